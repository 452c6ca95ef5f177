// Package nostr connects to the wallet network's relay and adapts it
// into the transport capability contract. Peers on this side are
// addressed by wallet identity strings, not mesh peer IDs; the
// identity bridge translates between the two.
package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// Event is one message delivered through the relay.
type Event struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Client is the relay connection the transport adapter drives.
type Client interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, recipientIdentity, content string) error
	Events() <-chan Event
	ListConversations(ctx context.Context) ([]string, error)
	Close() error
}

// RelayClient speaks the relay's websocket protocol: JSON array
// frames of the form ["EVENT", {...}] and ["REQ", <subscription>].
type RelayClient struct {
	url      string
	identity string
	log      *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan Event

	convMu        sync.Mutex
	conversations map[string]struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRelayClient creates a client for the relay at url, authenticated
// as the given wallet identity.
func NewRelayClient(log *zap.Logger, url, identity string) *RelayClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayClient{
		url:           url,
		identity:      identity,
		log:           log,
		events:        make(chan Event, 64),
		conversations: make(map[string]struct{}),
	}
}

// Connect dials the relay and subscribes to events addressed to this
// identity. Reconnecting after a drop is the caller's responsibility.
func (c *RelayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay %q (status %d): %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial relay %q: %w", c.url, err)
	}

	subscription := []any{"REQ", c.identity, map[string]any{"recipient": c.identity}}
	if err := c.writeFrame(conn, subscription); err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.conn = conn

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.readLoop(loopCtx, conn)
	return nil
}

// IsConnected reports whether a relay session is up.
func (c *RelayClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Publish sends content to a recipient identity through the relay.
func (c *RelayClient) Publish(ctx context.Context, recipientIdentity, content string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("nostr: not connected")
	}

	event := Event{
		ID:        uuid.NewString(),
		Sender:    c.identity,
		Recipient: recipientIdentity,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	}
	if err := c.writeFrame(conn, []any{"EVENT", event}); err != nil {
		return fmt.Errorf("publish to %q: %w", recipientIdentity, err)
	}

	c.rememberConversation(recipientIdentity)
	return nil
}

// Events streams inbound relay events. The channel closes on Close.
func (c *RelayClient) Events() <-chan Event {
	return c.events
}

// ListConversations returns identities this session has exchanged
// events with, most recent set only (not persisted).
func (c *RelayClient) ListConversations(_ context.Context) ([]string, error) {
	c.convMu.Lock()
	defer c.convMu.Unlock()

	out := make([]string, 0, len(c.conversations))
	for identity := range c.conversations {
		out = append(out, identity)
	}
	return out, nil
}

// Close tears down the session. Idempotent.
func (c *RelayClient) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			closeErr = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.wg.Wait()
		close(c.events)
	})
	return closeErr
}

func (c *RelayClient) rememberConversation(identity string) {
	c.convMu.Lock()
	c.conversations[identity] = struct{}{}
	c.convMu.Unlock()
}

func (c *RelayClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.log.Warn("relay read failed", zap.Error(err))
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		event, ok := parseEventFrame(raw)
		if !ok {
			continue
		}

		c.rememberConversation(event.Sender)

		select {
		case c.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// parseEventFrame accepts ["EVENT", {...}] and the subscription-tagged
// variant ["EVENT", "<sub>", {...}]; anything else (EOSE, NOTICE,
// malformed JSON) is ignored.
func parseEventFrame(raw []byte) (Event, bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
		return Event{}, false
	}

	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil || kind != "EVENT" {
		return Event{}, false
	}

	body := frame[len(frame)-1]
	var event Event
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		return Event{}, false
	}
	return event, true
}

// writeFrame serializes writers: the websocket allows one concurrent
// writer, and Publish may race the Connect subscription.
func (c *RelayClient) writeFrame(conn *websocket.Conn, frame []any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}
