// Package mesh adapts the short-range direct link into the transport
// capability contract and defines the framed packet format used on it.
package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet type bytes. TypeTransactionRelay is reserved and distinct
// from ordinary chat packets.
const (
	TypeHello            byte = 0x00
	TypePrivateMessage   byte = 0x01
	TypeAcknowledgement  byte = 0x02
	TypeFavorite         byte = 0x03
	TypeFile             byte = 0x04
	TypeTransactionRelay byte = 0x21
)

const (
	// MaxFramePayload is the maximum accepted frame payload size (10 MB).
	MaxFramePayload = 10 * 1024 * 1024
	// RelayHopLimit bounds how far a relayed transaction travels.
	RelayHopLimit = 2

	frameHeaderSize = 6
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFramePayload.
	ErrFrameTooLarge = errors.New("mesh: frame exceeds max size")
	// ErrFrameTruncated indicates a frame shorter than its header claims.
	ErrFrameTruncated = errors.New("mesh: truncated frame")
)

// Frame is one mesh packet: a type byte, a hop limit, and a payload.
type Frame struct {
	Type     byte
	HopLimit byte
	Payload  []byte
}

// InboundFrame is a received frame attributed to the sending peer.
type InboundFrame struct {
	From  string
	Frame Frame
}

// EncodeFrame serializes a frame as [type:1][hop:1][len:4 BE][payload].
func EncodeFrame(frame Frame) ([]byte, error) {
	if len(frame.Payload) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, frameHeaderSize+len(frame.Payload))
	out[0] = frame.Type
	out[1] = frame.HopLimit
	binary.BigEndian.PutUint32(out[2:6], uint32(len(frame.Payload)))
	copy(out[frameHeaderSize:], frame.Payload)
	return out, nil
}

// DecodeFrame parses a serialized frame.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < frameHeaderSize {
		return Frame{}, ErrFrameTruncated
	}

	length := binary.BigEndian.Uint32(raw[2:6])
	if length > MaxFramePayload {
		return Frame{}, ErrFrameTooLarge
	}
	if uint32(len(raw)-frameHeaderSize) < length {
		return Frame{}, ErrFrameTruncated
	}

	payload := make([]byte, length)
	copy(payload, raw[frameHeaderSize:frameHeaderSize+int(length)])
	return Frame{
		Type:     raw[0],
		HopLimit: raw[1],
		Payload:  payload,
	}, nil
}

// ForwardFrame returns a copy with the hop limit decremented, or an
// error when the frame has no hops left.
func ForwardFrame(frame Frame) (Frame, error) {
	if frame.HopLimit == 0 {
		return Frame{}, fmt.Errorf("mesh: frame type 0x%02x has no hops left", frame.Type)
	}
	out := frame
	out.HopLimit--
	return out, nil
}
