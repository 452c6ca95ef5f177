package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tantodefi/bitchat/dedup"
	"github.com/tantodefi/bitchat/transport"
	"github.com/tantodefi/bitchat/wire"
)

// fakeLink records frames handed to Send and lets tests inject
// inbound traffic through Frames.
type fakeLink struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentFrame
	inbound   chan InboundFrame
	closed    bool
}

type sentFrame struct {
	peerID string
	frame  Frame
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		connected: make(map[string]bool),
		inbound:   make(chan InboundFrame, 16),
	}
}

func (l *fakeLink) ConnectedPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	peers := make([]string, 0, len(l.connected))
	for peerID := range l.connected {
		peers = append(peers, peerID)
	}
	return peers
}

func (l *fakeLink) IsConnected(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected[peerID]
}

func (l *fakeLink) Send(peerID string, frame Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentFrame{peerID: peerID, frame: frame})
	return nil
}

func (l *fakeLink) Frames() <-chan InboundFrame { return l.inbound }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) lastSent(t *testing.T) sentFrame {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		t.Fatal("no frames sent")
	}
	return l.sent[len(l.sent)-1]
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendPrivateMessageProducesDecodableToken(t *testing.T) {
	link := newFakeLink()
	tr := New(nil, Options{LocalPeerID: "alice-peer", Link: link})

	tr.SendPrivateMessage(context.Background(), "bob-peer", "Hello, World!", "Alice", "msg-123")

	sent := link.lastSent(t)
	if sent.peerID != "bob-peer" {
		t.Errorf("sent to %q, want %q", sent.peerID, "bob-peer")
	}
	if sent.frame.Type != TypePrivateMessage {
		t.Errorf("frame type = 0x%02x, want 0x%02x", sent.frame.Type, TypePrivateMessage)
	}

	fields, ok := wire.Decode(string(sent.frame.Payload))
	if !ok {
		t.Fatalf("payload %q did not decode", sent.frame.Payload)
	}
	if fields["content"] != "Hello, World!" {
		t.Errorf("content = %v, want %q", fields["content"], "Hello, World!")
	}
	if fields["messageID"] != "msg-123" {
		t.Errorf("messageID = %v, want %q", fields["messageID"], "msg-123")
	}
	if fields["sender"] != "alice-peer" {
		t.Errorf("sender = %v, want %q", fields["sender"], "alice-peer")
	}
}

func TestSendAcknowledgements(t *testing.T) {
	link := newFakeLink()
	tr := New(nil, Options{LocalPeerID: "alice-peer", Link: link})
	ctx := context.Background()

	tr.SendDeliveryAck(ctx, "bob-peer", "msg-1")
	sent := link.lastSent(t)
	if sent.frame.Type != TypeAcknowledgement {
		t.Fatalf("frame type = 0x%02x, want 0x%02x", sent.frame.Type, TypeAcknowledgement)
	}
	fields, ok := wire.Decode(string(sent.frame.Payload))
	if !ok {
		t.Fatal("ack payload did not decode")
	}
	if fields["ackType"] != wire.AckDelivered {
		t.Errorf("ackType = %v, want %q", fields["ackType"], wire.AckDelivered)
	}

	tr.SendReadReceipt(ctx, "bob-peer", "msg-1")
	fields, ok = wire.Decode(string(link.lastSent(t).frame.Payload))
	if !ok {
		t.Fatal("read receipt payload did not decode")
	}
	if fields["ackType"] != wire.AckRead {
		t.Errorf("ackType = %v, want %q", fields["ackType"], wire.AckRead)
	}
}

func TestSendFavoriteNotification(t *testing.T) {
	link := newFakeLink()
	tr := New(nil, Options{LocalPeerID: "alice-peer", Link: link})

	tr.SendFavoriteNotification(context.Background(), "bob-peer", true)

	sent := link.lastSent(t)
	if sent.frame.Type != TypeFavorite {
		t.Fatalf("frame type = 0x%02x, want 0x%02x", sent.frame.Type, TypeFavorite)
	}
	var payload favoritePayload
	if err := json.Unmarshal(sent.frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal favorite payload: %v", err)
	}
	if payload.PeerID != "alice-peer" || !payload.Favorited {
		t.Errorf("payload = %+v, want alice-peer favorited", payload)
	}
}

func TestSendFilePrivate(t *testing.T) {
	link := newFakeLink()
	tr := New(nil, Options{LocalPeerID: "alice-peer", Link: link})

	content := []byte{0x00, 0x01, 0xFF}
	tr.SendFilePrivate(context.Background(), "bob-peer", transport.FilePayload{
		FileType: "image",
		FileName: "pic.png",
		MimeType: "image/png",
		Content:  content,
	})

	sent := link.lastSent(t)
	if sent.frame.Type != TypeFile {
		t.Fatalf("frame type = 0x%02x, want 0x%02x", sent.frame.Type, TypeFile)
	}
	fields, ok := wire.Decode(string(sent.frame.Payload))
	if !ok {
		t.Fatal("file payload did not decode")
	}
	record, ok := wire.FileRecordFromFields(fields)
	if !ok {
		t.Fatal("decoded fields are not a file record")
	}
	if string(record.Content) != string(content) {
		t.Errorf("content = %v, want %v", record.Content, content)
	}
	if record.TransferID == "" {
		t.Error("transfer ID is empty")
	}
}

func TestInboundEnvelopeDispatchAndDedup(t *testing.T) {
	link := newFakeLink()

	var mu sync.Mutex
	var received []map[string]any
	tr := New(nil, Options{
		LocalPeerID: "bob-peer",
		Link:        link,
		OnEnvelope: func(_ string, fields map[string]any) {
			mu.Lock()
			received = append(received, fields)
			mu.Unlock()
		},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	token, ok := wire.EncodePrivateMessage("hi", "msg-dup", "bob-peer", "alice-peer")
	if !ok {
		t.Fatal("encode failed")
	}
	frame := Frame{Type: TypePrivateMessage, HopLimit: 1, Payload: []byte(token)}

	link.inbound <- InboundFrame{From: "alice-peer", Frame: frame}
	link.inbound <- InboundFrame{From: "alice-peer", Frame: frame}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("envelope delivered %d times, want 1", len(received))
	}
	if received[0]["messageID"] != "msg-dup" {
		t.Errorf("messageID = %v, want %q", received[0]["messageID"], "msg-dup")
	}
}

func TestInboundAckKindsDedupIndependently(t *testing.T) {
	link := newFakeLink()

	var mu sync.Mutex
	var ackTypes []string
	tr := New(nil, Options{
		LocalPeerID: "bob-peer",
		Link:        link,
		OnEnvelope: func(_ string, fields map[string]any) {
			mu.Lock()
			ackTypes = append(ackTypes, fields["ackType"].(string))
			mu.Unlock()
		},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	delivered, ok := wire.EncodeAcknowledgement(wire.AckDelivered, "msg-1", "alice-peer")
	if !ok {
		t.Fatal("encode delivered ack failed")
	}
	read, ok := wire.EncodeAcknowledgement(wire.AckRead, "msg-1", "alice-peer")
	if !ok {
		t.Fatal("encode read ack failed")
	}

	// A read receipt follows the delivery ack for the same message; only
	// the repeated delivery ack is a duplicate.
	for _, token := range []string{delivered, read, delivered} {
		link.inbound <- InboundFrame{From: "alice-peer", Frame: Frame{
			Type: TypeAcknowledgement, HopLimit: 1, Payload: []byte(token),
		}}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ackTypes) >= 2
	})
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

func TestInboundFavoriteDispatch(t *testing.T) {
	link := newFakeLink()

	favorites := make(chan bool, 1)
	tr := New(nil, Options{
		LocalPeerID: "bob-peer",
		Link:        link,
		OnFavorite: func(_ string, favorited bool) {
			favorites <- favorited
		},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	payload, err := json.Marshal(favoritePayload{PeerID: "alice-peer", Favorited: false})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	link.inbound <- InboundFrame{From: "alice-peer", Frame: Frame{Type: TypeFavorite, HopLimit: 1, Payload: payload}}

	select {
	case favorited := <-favorites:
		if favorited {
			t.Error("favorited = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("favorite notification not dispatched")
	}
}

func TestTransactionRelayDispatchAndHopExhaustion(t *testing.T) {
	link := newFakeLink()

	relayed := make(chan []byte, 2)
	tr := New(nil, Options{
		LocalPeerID: "bob-peer",
		Link:        link,
		OnTransactionRelay: func(_ string, payload []byte) {
			relayed <- payload
		},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	link.inbound <- InboundFrame{From: "alice-peer", Frame: Frame{
		Type: TypeTransactionRelay, HopLimit: 0, Payload: []byte("expired"),
	}}
	link.inbound <- InboundFrame{From: "alice-peer", Frame: Frame{
		Type: TypeTransactionRelay, HopLimit: 1, Payload: []byte("live"),
	}}

	select {
	case payload := <-relayed:
		if string(payload) != "live" {
			t.Errorf("relayed payload = %q, want %q (hop-exhausted frame must drop)", payload, "live")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transaction relay not dispatched")
	}
}

func TestRelayTransactionUsesRelayHopLimit(t *testing.T) {
	link := newFakeLink()
	tr := New(nil, Options{LocalPeerID: "alice-peer", Link: link})

	if err := tr.RelayTransaction("bob-peer", []byte("tx-blob")); err != nil {
		t.Fatalf("RelayTransaction failed: %v", err)
	}

	sent := link.lastSent(t)
	if sent.frame.Type != TypeTransactionRelay {
		t.Errorf("frame type = 0x%02x, want 0x%02x", sent.frame.Type, TypeTransactionRelay)
	}
	if sent.frame.HopLimit != RelayHopLimit {
		t.Errorf("hop limit = %d, want %d", sent.frame.HopLimit, RelayHopLimit)
	}
}

func TestUndecodablePayloadDropsQuietly(t *testing.T) {
	link := newFakeLink()

	tr := New(nil, Options{
		LocalPeerID: "bob-peer",
		Link:        link,
		OnEnvelope: func(string, map[string]any) {
			t.Error("envelope callback fired for garbage payload")
		},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	link.inbound <- InboundFrame{From: "alice-peer", Frame: Frame{
		Type: TypePrivateMessage, HopLimit: 1, Payload: []byte("not a wire token"),
	}}
	time.Sleep(50 * time.Millisecond)
}

func TestReachabilityTracksLink(t *testing.T) {
	link := newFakeLink()
	tr := New(nil, Options{LocalPeerID: "alice-peer", Link: link, Dedup: dedup.NewSet(8)})

	if tr.IsPeerConnected("bob-peer") || tr.IsPeerReachable("bob-peer") {
		t.Fatal("peer reported reachable before link session exists")
	}

	link.mu.Lock()
	link.connected["bob-peer"] = true
	link.mu.Unlock()

	if !tr.IsPeerConnected("bob-peer") || !tr.IsPeerReachable("bob-peer") {
		t.Fatal("peer not reported reachable with an active session")
	}
	if tr.Kind() != transport.KindDirect {
		t.Errorf("kind = %v, want KindDirect", tr.Kind())
	}
	if tr.Name() != "mesh" {
		t.Errorf("name = %q, want %q", tr.Name(), "mesh")
	}
}
