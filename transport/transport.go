// Package transport defines the capability contract every message
// transport provider satisfies, plus peer identifier helpers shared by
// the router and the adapters.
package transport

import "context"

// Kind distinguishes direct links from relayed network paths. The
// router prefers KindDirect when both can reach a destination.
type Kind int

const (
	// KindDirect is a local link to the peer (mesh radio, LAN).
	KindDirect Kind = iota
	// KindNetwork reaches the peer through a remote relay service.
	KindNetwork
)

// AckType labels delivery acknowledgements.
type AckType string

const (
	AckDelivered AckType = "delivered"
	AckRead      AckType = "read"
)

// FilePayload describes an outgoing voice note, image, or file.
type FilePayload struct {
	FileType string
	Content  []byte
	FileName string
	MimeType string
}

// Transport is the capability contract each provider satisfies. Send
// operations are fire-and-forget from the router's perspective:
// providers log failures and never propagate them synchronously.
type Transport interface {
	Name() string
	Kind() Kind

	// IsPeerConnected reports an active direct link to the peer.
	IsPeerConnected(peerID string) bool
	// IsPeerReachable is a superset of connected: a message sent now
	// has a plausible delivery path via this provider's addressing.
	IsPeerReachable(peerID string) bool

	SendPrivateMessage(ctx context.Context, peerID, content, displayName, messageID string)
	SendReadReceipt(ctx context.Context, peerID, messageID string)
	SendDeliveryAck(ctx context.Context, peerID, messageID string)
	SendFavoriteNotification(ctx context.Context, peerID string, favorited bool)
	SendFilePrivate(ctx context.Context, peerID string, file FilePayload)

	Start(ctx context.Context) error
	Stop()
	// DisconnectAll drops every active session immediately. Used by
	// the panic/wipe path.
	DisconnectAll()
}

const shortIDLength = 16

// TruncateID caps any peer identifier at the fixed short-form length
// used for outbox and dedup indexing. Short hex IDs pass through
// unchanged; longer wallet-network identities are truncated.
func TruncateID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}
