// Package router chooses a transport per destination, keeps a bounded
// per-destination outbox for unreachable peers, and replays queued
// messages when reachability changes.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/transport"
)

const (
	// DefaultMaxPerDestination bounds each destination's outbox.
	DefaultMaxPerDestination = 100
	// DefaultMessageTTL expires queued messages independent of capacity.
	DefaultMessageTTL = 12 * time.Hour
	// DefaultCleanupInterval drives the periodic expiry sweep.
	DefaultCleanupInterval = time.Minute
)

// OutboxEntry is one queued private message for a destination.
type OutboxEntry struct {
	Content     string
	DisplayName string
	MessageID   string
	EnqueuedAt  time.Time
}

// Options tunes outbox limits. Zero values take defaults.
type Options struct {
	MaxPerDestination int
	MessageTTL        time.Duration
	CleanupInterval   time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxPerDestination <= 0 {
		out.MaxPerDestination = DefaultMaxPerDestination
	}
	if out.MessageTTL <= 0 {
		out.MessageTTL = DefaultMessageTTL
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = DefaultCleanupInterval
	}
	return out
}

// Router fans messages out to whichever transport can currently reach
// the destination, queueing when none can.
type Router struct {
	opts       Options
	log        *zap.Logger
	transports []transport.Transport

	mu     sync.Mutex
	outbox map[string][]OutboxEntry

	now func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a router over an ordered transport list. Direct
// transports are consulted before network transports regardless of the
// order given.
func New(log *zap.Logger, opts Options, transports ...transport.Transport) *Router {
	if log == nil {
		log = zap.NewNop()
	}

	ordered := make([]transport.Transport, 0, len(transports))
	for _, t := range transports {
		if t.Kind() == transport.KindDirect {
			ordered = append(ordered, t)
		}
	}
	for _, t := range transports {
		if t.Kind() != transport.KindDirect {
			ordered = append(ordered, t)
		}
	}

	return &Router{
		opts:       opts.withDefaults(),
		log:        log,
		transports: ordered,
		outbox:     make(map[string][]OutboxEntry),
		now:        time.Now,
	}
}

// Start launches the periodic expiry sweep.
func (r *Router) Start() {
	if r.ctx != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.CleanupExpiredMessages()
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep goroutine. Idempotent.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

// SendPrivate delivers content to destination through the best
// reachable transport, or queues it in the destination's outbox.
func (r *Router) SendPrivate(content, destination, displayName, messageID string) {
	destination = transport.TruncateID(destination)

	if t := r.pickReachable(destination); t != nil {
		r.log.Debug("sending private message",
			zap.String("transport", t.Name()),
			zap.String("destination", destination),
			zap.String("message_id", messageID))
		t.SendPrivateMessage(context.Background(), destination, content, displayName, messageID)
		return
	}

	r.enqueue(destination, OutboxEntry{
		Content:     content,
		DisplayName: displayName,
		MessageID:   messageID,
		EnqueuedAt:  r.now(),
	})
}

// SendReadReceipt is best-effort: dropped when no transport reaches
// the destination. Acknowledgements are not required to be durable.
func (r *Router) SendReadReceipt(destination, messageID string) {
	destination = transport.TruncateID(destination)
	t := r.pickReachable(destination)
	if t == nil {
		r.log.Debug("dropping read receipt, peer unreachable",
			zap.String("destination", destination),
			zap.String("message_id", messageID))
		return
	}
	t.SendReadReceipt(context.Background(), destination, messageID)
}

// SendDeliveryAck is best-effort, like SendReadReceipt.
func (r *Router) SendDeliveryAck(destination, messageID string) {
	destination = transport.TruncateID(destination)
	t := r.pickReachable(destination)
	if t == nil {
		r.log.Debug("dropping delivery ack, peer unreachable",
			zap.String("destination", destination),
			zap.String("message_id", messageID))
		return
	}
	t.SendDeliveryAck(context.Background(), destination, messageID)
}

// SendFavoriteNotification prefers a directly connected transport,
// else any reachable one. Never queued.
func (r *Router) SendFavoriteNotification(destination string, favorited bool) {
	destination = transport.TruncateID(destination)

	for _, t := range r.transports {
		if t.IsPeerConnected(destination) {
			t.SendFavoriteNotification(context.Background(), destination, favorited)
			return
		}
	}
	if t := r.pickReachable(destination); t != nil {
		t.SendFavoriteNotification(context.Background(), destination, favorited)
		return
	}
	r.log.Debug("dropping favorite notification, peer unreachable",
		zap.String("destination", destination))
}

// SendFilePrivate delivers a file through the best reachable
// transport. Files are not queued; callers retry at their own pace.
func (r *Router) SendFilePrivate(destination string, file transport.FilePayload) bool {
	destination = transport.TruncateID(destination)
	t := r.pickReachable(destination)
	if t == nil {
		return false
	}
	t.SendFilePrivate(context.Background(), destination, file)
	return true
}

// FlushOutbox replays the destination's queued messages in FIFO order
// through the currently reachable transport. Expired entries are
// dropped; entries that still cannot be sent remain queued. Called on
// external reachability changes.
func (r *Router) FlushOutbox(destination string) {
	destination = transport.TruncateID(destination)

	r.mu.Lock()
	entries := r.outbox[destination]
	delete(r.outbox, destination)
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	cutoff := r.now().Add(-r.opts.MessageTTL)
	var remaining []OutboxEntry
	sent := 0
	for i, entry := range entries {
		if entry.EnqueuedAt.Before(cutoff) {
			r.log.Debug("dropping expired queued message",
				zap.String("destination", destination),
				zap.String("message_id", entry.MessageID))
			continue
		}

		t := r.pickReachable(destination)
		if t == nil {
			remaining = append(remaining, entries[i:]...)
			break
		}
		t.SendPrivateMessage(context.Background(), destination, entry.Content, entry.DisplayName, entry.MessageID)
		sent++
	}

	if len(remaining) > 0 {
		r.requeueFront(destination, remaining)
	}
	if sent > 0 {
		r.log.Info("flushed outbox",
			zap.String("destination", destination),
			zap.Int("sent", sent),
			zap.Int("still_queued", len(remaining)))
	}
}

// FlushAllOutbox replays every destination's queue.
func (r *Router) FlushAllOutbox() {
	r.mu.Lock()
	destinations := make([]string, 0, len(r.outbox))
	for destination := range r.outbox {
		destinations = append(destinations, destination)
	}
	r.mu.Unlock()

	for _, destination := range destinations {
		r.FlushOutbox(destination)
	}
}

// CleanupExpiredMessages drops every queued entry older than the TTL,
// preserving the order of younger entries.
func (r *Router) CleanupExpiredMessages() {
	cutoff := r.now().Add(-r.opts.MessageTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for destination, entries := range r.outbox {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.EnqueuedAt.Before(cutoff) {
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(r.outbox, destination)
			continue
		}
		r.outbox[destination] = kept
	}
}

// QueuedCount returns the outbox depth for a destination.
func (r *Router) QueuedCount(destination string) int {
	destination = transport.TruncateID(destination)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox[destination])
}

func (r *Router) pickReachable(destination string) transport.Transport {
	for _, t := range r.transports {
		if t.IsPeerReachable(destination) {
			return t
		}
	}
	return nil
}

func (r *Router) enqueue(destination string, entry OutboxEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := append(r.outbox[destination], entry)
	if len(entries) > r.opts.MaxPerDestination {
		dropped := entries[0]
		entries = entries[1:]
		r.log.Warn("outbox full, evicting oldest",
			zap.String("destination", destination),
			zap.String("dropped_message_id", dropped.MessageID))
	}
	r.outbox[destination] = entries
}

func (r *Router) requeueFront(destination string, entries []OutboxEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := append(entries, r.outbox[destination]...)
	if over := len(merged) - r.opts.MaxPerDestination; over > 0 {
		merged = merged[over:]
	}
	r.outbox[destination] = merged
}
