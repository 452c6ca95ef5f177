package nostr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/identity"
	"github.com/tantodefi/bitchat/storage"
	"github.com/tantodefi/bitchat/transport"
	"github.com/tantodefi/bitchat/wire"
)

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	published []publishedEvent
	events    chan Event
	closed    bool
}

type publishedEvent struct {
	recipient string
	content   string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event, 16)}
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(_ context.Context, recipientIdentity, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.published = append(c.published, publishedEvent{recipient: recipientIdentity, content: content})
	return nil
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) ListConversations(context.Context) ([]string, error) { return nil, nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.connected = false
		close(c.events)
	}
	return nil
}

func (c *fakeClient) lastPublished(t *testing.T) publishedEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		t.Fatal("nothing published")
	}
	return c.published[len(c.published)-1]
}

func (c *fakeClient) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func newTestBridge(t *testing.T) *identity.Bridge {
	t.Helper()
	return identity.NewBridge(storage.NewMemory(), zap.NewNop())
}

const (
	testPeerKey  = "a1b2c3d4e5f60718"
	testIdentity = "wallet-identity-bob"
)

func newStartedTransport(t *testing.T, client *fakeClient, opts Options) *Transport {
	t.Helper()
	opts.Client = client
	tr := New(zap.NewNop(), opts)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestReachabilityRequiresRelayAndIdentity(t *testing.T) {
	client := newFakeClient()
	bridge := newTestBridge(t)
	tr := New(zap.NewNop(), Options{Client: client, Bridge: bridge})

	if tr.IsPeerReachable(testPeerKey) {
		t.Fatal("reachable before relay connection")
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if tr.IsPeerReachable(testPeerKey) {
		t.Fatal("reachable without a wallet identity for the peer")
	}

	if err := bridge.AssociateIdentity(testPeerKey, testIdentity); err != nil {
		t.Fatalf("AssociateIdentity failed: %v", err)
	}
	if !tr.IsPeerReachable(testPeerKey) {
		t.Fatal("not reachable with relay up and identity known")
	}

	if tr.IsPeerConnected(testPeerKey) {
		t.Error("relay transport must never report a direct connection")
	}
	if tr.Kind() != transport.KindNetwork {
		t.Errorf("kind = %v, want KindNetwork", tr.Kind())
	}
}

func TestSendPrivateMessagePublishesToWalletIdentity(t *testing.T) {
	client := newFakeClient()
	bridge := newTestBridge(t)
	if err := bridge.AssociateIdentity(testPeerKey, testIdentity); err != nil {
		t.Fatalf("AssociateIdentity failed: %v", err)
	}
	tr := newStartedTransport(t, client, Options{Bridge: bridge})

	tr.SendPrivateMessage(context.Background(), testPeerKey, "hello over relay", "Alice", "msg-9")

	published := client.lastPublished(t)
	if published.recipient != testIdentity {
		t.Errorf("recipient = %q, want %q", published.recipient, testIdentity)
	}
	fields, ok := wire.Decode(published.content)
	if !ok {
		t.Fatalf("published content %q is not a wire token", published.content)
	}
	if fields["content"] != "hello over relay" || fields["messageID"] != "msg-9" {
		t.Errorf("decoded fields = %v", fields)
	}
}

func TestSendDropsWhenIdentityUnknown(t *testing.T) {
	client := newFakeClient()
	tr := newStartedTransport(t, client, Options{Bridge: newTestBridge(t)})

	tr.SendPrivateMessage(context.Background(), testPeerKey, "hi", "Alice", "msg-1")
	tr.SendDeliveryAck(context.Background(), testPeerKey, "msg-1")

	if n := client.publishedCount(); n != 0 {
		t.Fatalf("published %d events for an unmapped peer, want 0", n)
	}
}

func TestFavoriteNotificationSentinels(t *testing.T) {
	client := newFakeClient()
	bridge := newTestBridge(t)
	if err := bridge.AssociateIdentity(testPeerKey, testIdentity); err != nil {
		t.Fatalf("AssociateIdentity failed: %v", err)
	}
	tr := newStartedTransport(t, client, Options{Bridge: bridge})

	tr.SendFavoriteNotification(context.Background(), testPeerKey, true)
	if got := client.lastPublished(t).content; got != favoritedContent {
		t.Errorf("content = %q, want %q", got, favoritedContent)
	}

	tr.SendFavoriteNotification(context.Background(), testPeerKey, false)
	if got := client.lastPublished(t).content; got != unfavoritedContent {
		t.Errorf("content = %q, want %q", got, unfavoritedContent)
	}
}

func TestInboundEnvelopeResolvesSenderAndDedupes(t *testing.T) {
	client := newFakeClient()
	bridge := newTestBridge(t)
	if err := bridge.AssociateIdentity(testPeerKey, testIdentity); err != nil {
		t.Fatalf("AssociateIdentity failed: %v", err)
	}

	var mu sync.Mutex
	var peers []string
	newStartedTransport(t, client, Options{
		Bridge: bridge,
		OnEnvelope: func(fromPeer string, _ map[string]any) {
			mu.Lock()
			peers = append(peers, fromPeer)
			mu.Unlock()
		},
	})

	token, ok := wire.EncodePrivateMessage("hello", "msg-net-1", "", testIdentity)
	if !ok {
		t.Fatal("encode failed")
	}
	event := Event{ID: "evt-1", Sender: testIdentity, Content: token}
	client.events <- event
	client.events <- event

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(peers)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(peers) != 1 {
		t.Fatalf("envelope delivered %d times, want 1", len(peers))
	}
	if peers[0] != testPeerKey {
		t.Errorf("fromPeer = %q, want local key %q", peers[0], testPeerKey)
	}
}

func TestInboundAckKindsDedupIndependently(t *testing.T) {
	client := newFakeClient()
	bridge := newTestBridge(t)
	if err := bridge.AssociateIdentity(testPeerKey, testIdentity); err != nil {
		t.Fatalf("AssociateIdentity failed: %v", err)
	}

	var mu sync.Mutex
	var ackTypes []string
	newStartedTransport(t, client, Options{
		Bridge: bridge,
		OnEnvelope: func(_ string, fields map[string]any) {
			mu.Lock()
			ackTypes = append(ackTypes, fields["ackType"].(string))
			mu.Unlock()
		},
	})

	delivered, ok := wire.EncodeAcknowledgement(wire.AckDelivered, "msg-net-1", testIdentity)
	if !ok {
		t.Fatal("encode delivered ack failed")
	}
	read, ok := wire.EncodeAcknowledgement(wire.AckRead, "msg-net-1", testIdentity)
	if !ok {
		t.Fatal("encode read ack failed")
	}

	// The read receipt for a message arrives after its delivery ack; the
	// repeated delivery ack is the only duplicate.
	client.events <- Event{ID: "evt-d1", Sender: testIdentity, Content: delivered}
	client.events <- Event{ID: "evt-r1", Sender: testIdentity, Content: read}
	client.events <- Event{ID: "evt-d2", Sender: testIdentity, Content: delivered}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(ackTypes)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(ackTypes) != 2 {
		t.Fatalf("acks dispatched %d times, want 2", len(ackTypes))
	}
	if ackTypes[0] != wire.AckDelivered || ackTypes[1] != wire.AckRead {
		t.Errorf("ackTypes = %v, want [%q %q]", ackTypes, wire.AckDelivered, wire.AckRead)
	}
}

func TestInboundFavoriteSentinel(t *testing.T) {
	client := newFakeClient()
	favorites := make(chan bool, 1)
	newStartedTransport(t, client, Options{
		Bridge: newTestBridge(t),
		OnFavorite: func(_ string, favorited bool) {
			favorites <- favorited
		},
	})

	client.events <- Event{ID: "evt-fav", Sender: testIdentity, Content: favoritedContent}

	select {
	case favorited := <-favorites:
		if !favorited {
			t.Error("favorited = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("favorite notification not dispatched")
	}
}

func TestInboundPlainChatterIgnored(t *testing.T) {
	client := newFakeClient()
	newStartedTransport(t, client, Options{
		Bridge: newTestBridge(t),
		OnEnvelope: func(string, map[string]any) {
			t.Error("envelope callback fired for plain content")
		},
	})

	client.events <- Event{ID: "evt-x", Sender: testIdentity, Content: "just words"}
	time.Sleep(50 * time.Millisecond)
}
