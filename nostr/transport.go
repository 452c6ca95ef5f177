package nostr

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/dedup"
	"github.com/tantodefi/bitchat/identity"
	"github.com/tantodefi/bitchat/transport"
	"github.com/tantodefi/bitchat/wire"
)

// Favorite notifications have no envelope type; they travel as
// sentinel content strings, matched verbatim on the receiving side.
const (
	favoritedContent   = "[FAVORITED]"
	unfavoritedContent = "[UNFAVORITED]"
)

// Options wires the adapter's collaborators.
type Options struct {
	Client Client
	Bridge *identity.Bridge
	Dedup  *dedup.Set

	// OnEnvelope receives each decoded envelope not seen before. The
	// peer argument is the sender's local key when the bridge knows
	// one, otherwise the raw wallet identity.
	OnEnvelope func(fromPeer string, fields map[string]any)
	// OnFavorite receives favorite/unfavorite notifications.
	OnFavorite func(fromPeer string, favorited bool)
}

// Transport implements transport.Transport over the wallet-network
// relay. Peers are addressed indirectly: the identity bridge resolves
// a mesh key to a wallet identity, and the relay carries the token.
type Transport struct {
	opts Options
	log  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates the wallet-network transport adapter.
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
func (t *Transport) Name() string { return "nostr" }

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return transport.KindNetwork }

// IsPeerConnected always reports false: the relay never gives us a
// direct link to the peer.
func (t *Transport) IsPeerConnected(string) bool { return false }

// IsPeerReachable reports whether the relay session is up and the
// bridge can address the peer on the wallet network.
func (t *Transport) IsPeerReachable(peerID string) bool {
	if !t.opts.Client.IsConnected() {
		return false
	}
	_, ok, err := t.opts.Bridge.RemoteIdentity(peerID)
	if err != nil {
		t.log.Warn("identity lookup failed", zap.String("peer", peerID), zap.Error(err))
		return false
	}
	return ok
}

// Start connects to the relay and launches the inbound event loop.
func (t *Transport) Start(ctx context.Context) error {
	if t.ctx != nil {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.opts.Client.Connect(t.ctx); err != nil {
		return err
	}

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Stop tears down the relay session and event loop. Idempotent.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if err := t.opts.Client.Close(); err != nil {
			t.log.Warn("relay close failed", zap.Error(err))
		}
		t.wg.Wait()
	})
}

// DisconnectAll drops the relay session immediately.
func (t *Transport) DisconnectAll() {
	if err := t.opts.Client.Close(); err != nil {
		t.log.Warn("relay close failed", zap.Error(err))
	}
}

// SendPrivateMessage implements transport.Transport.
func (t *Transport) SendPrivateMessage(ctx context.Context, peerID, content, _, messageID string) {
	token, ok := wire.EncodePrivateMessage(content, messageID, peerID, "")
	if !ok {
		t.log.Warn("encode private message failed", zap.String("message_id", messageID))
		return
	}
	t.publish(ctx, peerID, token)
}

// SendReadReceipt implements transport.Transport.
func (t *Transport) SendReadReceipt(ctx context.Context, peerID, messageID string) {
	t.sendAck(ctx, peerID, wire.AckRead, messageID)
}

// SendDeliveryAck implements transport.Transport.
func (t *Transport) SendDeliveryAck(ctx context.Context, peerID, messageID string) {
	t.sendAck(ctx, peerID, wire.AckDelivered, messageID)
}

// SendFavoriteNotification implements transport.Transport.
func (t *Transport) SendFavoriteNotification(ctx context.Context, peerID string, favorited bool) {
	content := favoritedContent
	if !favorited {
		content = unfavoritedContent
	}
	t.publish(ctx, peerID, content)
}

// SendFilePrivate implements transport.Transport.
func (t *Transport) SendFilePrivate(ctx context.Context, peerID string, file transport.FilePayload) {
	token, ok := wire.EncodeFile(wire.FileRecord{
		FileType:   file.FileType,
		Content:    file.Content,
		TransferID: uuid.NewString(),
		Recipient:  peerID,
		FileName:   file.FileName,
		MimeType:   file.MimeType,
		FileSize:   int64(len(file.Content)),
	})
	if !ok {
		t.log.Warn("encode file failed", zap.String("peer", peerID))
		return
	}
	t.publish(ctx, peerID, token)
}

func (t *Transport) sendAck(ctx context.Context, peerID, ackType, messageID string) {
	token, ok := wire.EncodeAcknowledgement(ackType, messageID, "")
	if !ok {
		t.log.Warn("encode acknowledgement failed", zap.String("message_id", messageID))
		return
	}
	t.publish(ctx, peerID, token)
}

// publish resolves the peer's wallet identity and hands the content
// to the relay. Fire-and-forget: failures are logged, never returned.
func (t *Transport) publish(ctx context.Context, peerID, content string) {
	remote, ok, err := t.opts.Bridge.RemoteIdentity(peerID)
	if err != nil {
		t.log.Warn("identity lookup failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if !ok {
		t.log.Debug("no wallet identity for peer", zap.String("peer", peerID))
		return
	}
	if err := t.opts.Client.Publish(ctx, remote, content); err != nil {
		t.log.Warn("relay publish failed", zap.String("peer", peerID), zap.Error(err))
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		select {
		case event, ok := <-t.opts.Client.Events():
			if !ok {
				return
			}
			t.handleEvent(event)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) handleEvent(event Event) {
	fromPeer := event.Sender
	if localKey, ok, err := t.opts.Bridge.LocalKey(event.Sender); err == nil && ok {
		fromPeer = localKey
	}

	switch event.Content {
	case favoritedContent, unfavoritedContent:
		if t.opts.OnFavorite != nil {
			t.opts.OnFavorite(fromPeer, event.Content == favoritedContent)
		}
		return
	}

	fields, ok := wire.Decode(event.Content)
	if !ok {
		// Plain relay chatter outside the embedded format.
		return
	}

	dedupKey := wire.DedupKey(fields)
	if dedupKey == "" {
		dedupKey = event.ID
	}
	if t.opts.Dedup.HasProcessed(dedup.NamespaceNetworkMessages, dedupKey) {
		return
	}
	t.opts.Dedup.Record(dedup.NamespaceNetworkMessages, dedupKey)

	if t.opts.OnEnvelope != nil {
		t.opts.OnEnvelope(fromPeer, fields)
	}
}
