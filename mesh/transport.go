package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/dedup"
	"github.com/tantodefi/bitchat/transport"
	"github.com/tantodefi/bitchat/wire"
)

// Link is the short-range radio/LAN stack this adapter sits on. The
// stack itself (discovery, connection establishment, physical
// delivery) is an external collaborator; this interface is the
// connected-peer oracle plus a send-bytes primitive.
type Link interface {
	ConnectedPeers() []string
	IsConnected(peerID string) bool
	Send(peerID string, frame Frame) error
	Frames() <-chan InboundFrame
	Close() error
}

type favoritePayload struct {
	PeerID    string `json:"peerID"`
	Favorited bool   `json:"favorited"`
	Timestamp int64  `json:"timestamp"`
}

// Options wires the adapter's callbacks and identity.
type Options struct {
	LocalPeerID string
	Link        Link
	Dedup       *dedup.Set

	// OnEnvelope receives every decoded chat envelope (pm, ack, file)
	// not seen before.
	OnEnvelope func(fromPeer string, fields map[string]any)
	// OnFavorite receives favorite/unfavorite notifications.
	OnFavorite func(fromPeer string, favorited bool)
	// OnTransactionRelay receives relayed transaction payloads this
	// node should take over.
	OnTransactionRelay func(fromPeer string, payload []byte)
}

// Transport implements transport.Transport over a mesh Link.
type Transport struct {
	opts Options
	log  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates the mesh transport adapter.
func New(log *zap.Logger, opts Options) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.NewSet(dedup.DefaultCapacity)
	}
	return &Transport{opts: opts, log: log}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return "mesh" }

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return transport.KindDirect }

// IsPeerConnected reports an active direct link to the peer.
func (t *Transport) IsPeerConnected(peerID string) bool {
	return t.opts.Link.IsConnected(peerID)
}

// IsPeerReachable equals connected for a direct link: there is no
// indirect addressing on the mesh side.
func (t *Transport) IsPeerReachable(peerID string) bool {
	return t.opts.Link.IsConnected(peerID)
}

// ConnectedPeers lists peers with an active link.
func (t *Transport) ConnectedPeers() []string {
	return t.opts.Link.ConnectedPeers()
}

// Start launches the inbound frame loop.
func (t *Transport) Start(ctx context.Context) error {
	if t.ctx != nil {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Stop cancels the frame loop. Idempotent; cancellation is not an error.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

// DisconnectAll drops every active link session immediately.
func (t *Transport) DisconnectAll() {
	if err := t.opts.Link.Close(); err != nil {
		t.log.Warn("link close failed", zap.Error(err))
	}
}

// SendPrivateMessage implements transport.Transport. Fire-and-forget:
// failures are logged, never returned.
func (t *Transport) SendPrivateMessage(_ context.Context, peerID, content, _, messageID string) {
	token, ok := wire.EncodePrivateMessage(content, messageID, peerID, t.opts.LocalPeerID)
	if !ok {
		t.log.Warn("encode private message failed", zap.String("message_id", messageID))
		return
	}
	t.sendFrame(peerID, Frame{Type: TypePrivateMessage, HopLimit: 1, Payload: []byte(token)})
}

// SendReadReceipt implements transport.Transport.
func (t *Transport) SendReadReceipt(_ context.Context, peerID, messageID string) {
	t.sendAck(peerID, wire.AckRead, messageID)
}

// SendDeliveryAck implements transport.Transport.
func (t *Transport) SendDeliveryAck(_ context.Context, peerID, messageID string) {
	t.sendAck(peerID, wire.AckDelivered, messageID)
}

// SendFavoriteNotification implements transport.Transport.
func (t *Transport) SendFavoriteNotification(_ context.Context, peerID string, favorited bool) {
	payload, err := json.Marshal(favoritePayload{
		PeerID:    t.opts.LocalPeerID,
		Favorited: favorited,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		t.log.Warn("encode favorite notification failed", zap.Error(err))
		return
	}
	t.sendFrame(peerID, Frame{Type: TypeFavorite, HopLimit: 1, Payload: payload})
}

// SendFilePrivate implements transport.Transport.
func (t *Transport) SendFilePrivate(_ context.Context, peerID string, file transport.FilePayload) {
	token, ok := wire.EncodeFile(wire.FileRecord{
		FileType:   file.FileType,
		Content:    file.Content,
		TransferID: newTransferID(),
		Sender:     t.opts.LocalPeerID,
		Recipient:  peerID,
		FileName:   file.FileName,
		MimeType:   file.MimeType,
		FileSize:   int64(len(file.Content)),
	})
	if !ok {
		t.log.Warn("encode file failed", zap.String("peer", peerID))
		return
	}
	t.sendFrame(peerID, Frame{Type: TypeFile, HopLimit: 1, Payload: []byte(token)})
}

// RelayTransaction forwards a serialized pending transaction through a
// connected peer, bounded by the relay hop limit.
func (t *Transport) RelayTransaction(peerID string, payload []byte) error {
	return t.opts.Link.Send(peerID, Frame{
		Type:     TypeTransactionRelay,
		HopLimit: RelayHopLimit,
		Payload:  payload,
	})
}

func newTransferID() string {
	return uuid.NewString()
}

func (t *Transport) sendAck(peerID, ackType, messageID string) {
	token, ok := wire.EncodeAcknowledgement(ackType, messageID, t.opts.LocalPeerID)
	if !ok {
		t.log.Warn("encode acknowledgement failed", zap.String("message_id", messageID))
		return
	}
	t.sendFrame(peerID, Frame{Type: TypeAcknowledgement, HopLimit: 1, Payload: []byte(token)})
}

func (t *Transport) sendFrame(peerID string, frame Frame) {
	if err := t.opts.Link.Send(peerID, frame); err != nil {
		t.log.Warn("mesh send failed",
			zap.String("peer", peerID),
			zap.Uint8("frame_type", frame.Type),
			zap.Error(err))
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		select {
		case inbound, ok := <-t.opts.Link.Frames():
			if !ok {
				return
			}
			t.handleFrame(inbound)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) handleFrame(inbound InboundFrame) {
	switch inbound.Frame.Type {
	case TypePrivateMessage, TypeAcknowledgement, TypeFile:
		fields, ok := wire.Decode(string(inbound.Frame.Payload))
		if !ok {
			// Foreign or truncated traffic is expected; drop quietly.
			return
		}
		if key := wire.DedupKey(fields); key != "" {
			if t.opts.Dedup.HasProcessed(dedup.NamespaceMeshRelay, key) {
				return
			}
			t.opts.Dedup.Record(dedup.NamespaceMeshRelay, key)
		}
		if t.opts.OnEnvelope != nil {
			t.opts.OnEnvelope(inbound.From, fields)
		}
	case TypeFavorite:
		var payload favoritePayload
		if err := json.Unmarshal(inbound.Frame.Payload, &payload); err != nil {
			return
		}
		if t.opts.OnFavorite != nil {
			t.opts.OnFavorite(inbound.From, payload.Favorited)
		}
	case TypeTransactionRelay:
		if inbound.Frame.HopLimit == 0 {
			t.log.Debug("dropping relay frame with no hops left",
				zap.String("from", inbound.From))
			return
		}
		if t.opts.OnTransactionRelay != nil {
			t.opts.OnTransactionRelay(inbound.From, inbound.Frame.Payload)
		}
	default:
		t.log.Debug("ignoring unknown mesh frame",
			zap.Uint8("frame_type", inbound.Frame.Type),
			zap.String("from", inbound.From))
	}
}
