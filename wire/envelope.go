// Package wire encodes application envelopes into text tokens that can
// travel over transports which only carry plain strings.
//
// Every token has the form "bitchat1:<base64url(JSON)>". Anything that
// does not match that shape is foreign traffic and decodes to nothing.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Tag is the wire prefix shared by encoder and decoder.
const Tag = "bitchat1"

const tokenPrefix = Tag + ":"

const (
	TypePrivateMessage  = "pm"
	TypeAcknowledgement = "ack"
	TypeFile            = "file"
)

const (
	AckDelivered = "delivered"
	AckRead      = "read"
)

const (
	FileKindVoice = "voice"
	FileKindImage = "image"
	FileKindFile  = "file"
)

type privateMessagePayload struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	MessageID string `json:"messageID"`
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

type acknowledgementPayload struct {
	Type      string `json:"type"`
	AckType   string `json:"ackType"`
	MessageID string `json:"messageID"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

type filePayload struct {
	Type       string `json:"type"`
	FileType   string `json:"fileType"`
	Content    []byte `json:"content"`
	TransferID string `json:"transferID"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// FileRecord is the strongly-typed view of a decoded file envelope.
type FileRecord struct {
	FileType   string
	Content    []byte
	TransferID string
	Sender     string
	Recipient  string
	FileName   string
	MimeType   string
	FileSize   int64
	Timestamp  int64
}

// EncodePrivateMessage builds a private-message token.
func EncodePrivateMessage(content, messageID, recipient, sender string) (string, bool) {
	return encode(privateMessagePayload{
		Type:      TypePrivateMessage,
		Content:   content,
		MessageID: messageID,
		Recipient: recipient,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	})
}

// EncodeAcknowledgement builds a delivery or read acknowledgement token.
func EncodeAcknowledgement(ackType, messageID, sender string) (string, bool) {
	return encode(acknowledgementPayload{
		Type:      TypeAcknowledgement,
		AckType:   ackType,
		MessageID: messageID,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	})
}

// EncodeFile builds a file token. The content bytes round-trip exactly.
func EncodeFile(record FileRecord) (string, bool) {
	ts := record.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return encode(filePayload{
		Type:       TypeFile,
		FileType:   record.FileType,
		Content:    record.Content,
		TransferID: record.TransferID,
		Sender:     record.Sender,
		Recipient:  record.Recipient,
		FileName:   record.FileName,
		MimeType:   record.MimeType,
		FileSize:   record.FileSize,
		Timestamp:  ts,
	})
}

func encode(payload any) (string, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(raw), true
}

// Decode parses a token into its JSON fields. The result is a generic
// map so callers can probe unknown or foreign fields; use
// FileRecordFromFields to re-derive a typed file record.
//
// Malformed input (wrong prefix, bad base64, non-JSON payload) is an
// expected occurrence and yields (nil, false), never an error.
func Decode(token string) (map[string]any, bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, false
	}
	body := token[len(tokenPrefix):]
	if body == "" {
		return nil, false
	}

	// Some text transports percent-escape the token in flight.
	if unescaped, err := url.QueryUnescape(body); err == nil {
		body = unescaped
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body, "="))
	if err != nil {
		return nil, false
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// DedupKey derives the duplicate-suppression key for a decoded
// envelope. Acknowledgements are keyed per ack type: a read receipt
// and a delivery ack for the same message are distinct deliveries and
// must never shadow each other. Returns "" when the envelope carries
// no identifier worth tracking.
func DedupKey(fields map[string]any) string {
	id := stringField(fields, "messageID")
	if id == "" {
		id = stringField(fields, "transferID")
	}
	if id == "" {
		return ""
	}

	msgType := stringField(fields, "type")
	if msgType == TypeAcknowledgement {
		return msgType + "|" + stringField(fields, "ackType") + "|" + id
	}
	return msgType + "|" + id
}

// FileRecordFromFields reconstructs a FileRecord from a decoded file
// envelope. Returns false if the fields do not describe a file.
func FileRecordFromFields(fields map[string]any) (FileRecord, bool) {
	if stringField(fields, "type") != TypeFile {
		return FileRecord{}, false
	}

	contentB64 := stringField(fields, "content")
	content, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return FileRecord{}, false
	}

	return FileRecord{
		FileType:   stringField(fields, "fileType"),
		Content:    content,
		TransferID: stringField(fields, "transferID"),
		Sender:     stringField(fields, "sender"),
		Recipient:  stringField(fields, "recipient"),
		FileName:   stringField(fields, "fileName"),
		MimeType:   stringField(fields, "mimeType"),
		FileSize:   int64Field(fields, "fileSize"),
		Timestamp:  int64Field(fields, "timestamp"),
	}, true
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return value
}

func int64Field(fields map[string]any, key string) int64 {
	value, ok := fields[key].(float64)
	if !ok {
		return 0
	}
	return int64(value)
}
