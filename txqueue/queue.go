// Package txqueue persists pending financial transaction requests and
// retries them until the wallet network accepts them, falling back to
// relaying through a nearby peer when the local node is offline.
package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/dedup"
	"github.com/tantodefi/bitchat/storage"
)

const (
	// PendingTTL is how long a transaction may wait before it fails.
	PendingTTL = 24 * time.Hour
	// MaxAttempts caps delivery attempts per transaction.
	MaxAttempts = 5
	// MaxQueued caps the queue; enqueue evicts the oldest pending
	// entry on overflow.
	MaxQueued = 50
	// RetryInterval is the periodic processing cadence.
	RetryInterval = 30 * time.Second

	storeKey       = "pending-transactions"
	storeNamespace = "wallet"
)

// Status is a pending transaction's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRelaying  Status = "relaying"
	StatusRelayed   Status = "relayed"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRelayed || s == StatusConfirmed || s == StatusFailed
}

// Strategy selects how the queue behaves without network connectivity.
type Strategy string

const (
	// StrategyRelayFirst relays through a connected mesh peer when the
	// wallet network is unreachable.
	StrategyRelayFirst Strategy = "relay-first"
	// StrategyQueueOnly never relays; transactions wait for direct
	// network connectivity.
	StrategyQueueOnly Strategy = "queue-only"
)

// ParseStrategy maps a persisted tag back to a strategy.
func ParseStrategy(tag string) (Strategy, error) {
	switch Strategy(tag) {
	case StrategyRelayFirst:
		return StrategyRelayFirst, nil
	case StrategyQueueOnly:
		return StrategyQueueOnly, nil
	default:
		return "", fmt.Errorf("txqueue: unknown strategy %q", tag)
	}
}

// PendingTransaction is one queued transaction request. Date fields
// serialize as RFC 3339.
type PendingTransaction struct {
	RequestID         string    `json:"requestID"`
	Payload           []byte    `json:"payload"`
	RecipientIdentity string    `json:"recipientIdentity"`
	CreatedAt         time.Time `json:"createdAt"`
	AttemptCount      int       `json:"attemptCount"`
	LastAttemptAt     time.Time `json:"lastAttemptAt,omitzero"`
	Status            Status    `json:"status"`
	RelayedThrough    string    `json:"relayedThroughPeer,omitempty"`
}

// Submitter is the wallet-network side: direct submission when
// connected.
type Submitter interface {
	IsConnected() bool
	Submit(ctx context.Context, tx PendingTransaction) error
}

// Relay is the mesh side: hand a serialized transaction to a
// connected peer who will submit it on our behalf.
type Relay interface {
	ConnectedPeers() []string
	RelayTransaction(peerID string, payload []byte) error
}

// Options configures a Queue.
type Options struct {
	Store     storage.SecretStore
	Submitter Submitter
	Relay     Relay
	Dedup     *dedup.Set
	Strategy  Strategy
}

// Queue is the offline transaction queue. Mutations happen only in
// Enqueue, HandleRelayedTransaction, Clear, and the processing pass.
type Queue struct {
	log  *zap.Logger
	opts Options

	mu    sync.Mutex
	items []PendingTransaction

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	now func() time.Time
}

// New creates a queue and loads any persisted transactions.
func New(log *zap.Logger, opts Options) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Store == nil {
		return nil, errors.New("txqueue: store is required")
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.NewSet(dedup.DefaultCapacity)
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRelayFirst
	}

	q := &Queue{log: log, opts: opts, now: time.Now}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Start launches the periodic processing loop.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Process(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop halts the processing loop. Idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
}

// Enqueue adds a transaction request and processes the queue
// immediately. On overflow the single oldest pending entry is evicted.
func (q *Queue) Enqueue(ctx context.Context, requestID string, payload []byte, recipientIdentity string) error {
	tx := PendingTransaction{
		RequestID:         requestID,
		Payload:           payload,
		RecipientIdentity: recipientIdentity,
		CreatedAt:         q.now(),
		Status:            StatusPending,
	}

	q.mu.Lock()
	q.evictForCapLocked()
	q.items = append(q.items, tx)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.persist(snapshot); err != nil {
		return err
	}

	q.Process(ctx)
	return nil
}

// HandleRelayedTransaction accepts a transaction relayed by another
// peer: after dedup it joins this node's own queue, tagged with the
// relaying peer, and processing runs immediately.
func (q *Queue) HandleRelayedTransaction(ctx context.Context, fromPeer string, payload []byte) error {
	var tx PendingTransaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return fmt.Errorf("decode relayed transaction: %w", err)
	}
	if tx.RequestID == "" {
		return errors.New("txqueue: relayed transaction has no request ID")
	}

	if q.opts.Dedup.HasProcessed(dedup.NamespaceTxRelay, tx.RequestID) {
		q.log.Debug("dropping duplicate relayed transaction",
			zap.String("request_id", tx.RequestID))
		return nil
	}
	q.opts.Dedup.Record(dedup.NamespaceTxRelay, tx.RequestID)

	tx.RelayedThrough = fromPeer
	tx.Status = StatusPending
	tx.AttemptCount = 0

	q.mu.Lock()
	q.evictForCapLocked()
	q.items = append(q.items, tx)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.persist(snapshot); err != nil {
		return err
	}

	q.log.Info("accepted relayed transaction",
		zap.String("request_id", tx.RequestID),
		zap.String("from", fromPeer))

	q.Process(ctx)
	return nil
}

// Pending returns a copy of the queue contents, oldest first.
func (q *Queue) Pending() []PendingTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Clear removes every queued transaction.
func (q *Queue) Clear() error {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return q.persist(nil)
}

// Process runs one pass: prune expired terminals, fail transactions
// past TTL or the attempt ceiling, and attempt delivery for the rest
// per the configured strategy.
func (q *Queue) Process(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	q.pruneTerminalLocked(now)

	var work []PendingTransaction
	for i := range q.items {
		tx := &q.items[i]
		if tx.Status != StatusPending {
			continue
		}
		if now.Sub(tx.CreatedAt) > PendingTTL {
			tx.Status = StatusFailed
			q.log.Warn("transaction expired", zap.String("request_id", tx.RequestID))
			continue
		}
		if tx.AttemptCount >= MaxAttempts {
			tx.Status = StatusFailed
			q.log.Warn("transaction exhausted attempts", zap.String("request_id", tx.RequestID))
			continue
		}
		work = append(work, *tx)
	}
	q.mu.Unlock()

	for _, tx := range work {
		q.attempt(ctx, tx)
	}

	q.mu.Lock()
	snapshot := q.snapshotLocked()
	q.mu.Unlock()
	if err := q.persist(snapshot); err != nil {
		q.log.Error("persist queue failed", zap.Error(err))
	}
}

// attempt tries one delivery. Attempts are counted only when a path
// exists; a node with no connectivity leaves transactions pending.
// No lock is held across the submit or relay call; the outcome is
// applied to the stored entry afterwards.
func (q *Queue) attempt(ctx context.Context, tx PendingTransaction) {
	if q.opts.Submitter != nil && q.opts.Submitter.IsConnected() {
		q.markAttempt(tx.RequestID)
		q.setStatus(tx.RequestID, StatusSubmitted)
		if err := q.opts.Submitter.Submit(ctx, tx); err != nil {
			q.log.Warn("submit failed",
				zap.String("request_id", tx.RequestID),
				zap.Error(err))
			q.setStatus(tx.RequestID, StatusPending)
			return
		}
		q.setStatus(tx.RequestID, StatusConfirmed)
		q.log.Info("transaction confirmed", zap.String("request_id", tx.RequestID))
		return
	}

	if q.opts.Strategy != StrategyRelayFirst || q.opts.Relay == nil {
		return
	}

	peers := q.opts.Relay.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	peerID := peers[0]

	payload, err := json.Marshal(tx)
	if err != nil {
		q.log.Error("encode transaction for relay failed",
			zap.String("request_id", tx.RequestID),
			zap.Error(err))
		return
	}

	q.markAttempt(tx.RequestID)
	q.setStatus(tx.RequestID, StatusRelaying)
	if err := q.opts.Relay.RelayTransaction(peerID, payload); err != nil {
		q.log.Warn("relay failed",
			zap.String("request_id", tx.RequestID),
			zap.String("peer", peerID),
			zap.Error(err))
		q.setStatus(tx.RequestID, StatusPending)
		return
	}
	q.setStatus(tx.RequestID, StatusRelayed)
	q.log.Info("transaction relayed",
		zap.String("request_id", tx.RequestID),
		zap.String("peer", peerID))
}

func (q *Queue) markAttempt(requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].RequestID == requestID {
			q.items[i].AttemptCount++
			q.items[i].LastAttemptAt = q.now()
			return
		}
	}
}

func (q *Queue) setStatus(requestID string, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].RequestID == requestID {
			q.items[i].Status = status
			return
		}
	}
}

// evictForCapLocked makes room for one more entry: if the queue is at
// capacity, the oldest entry still in the pending state is dropped.
func (q *Queue) evictForCapLocked() {
	if len(q.items) < MaxQueued {
		return
	}
	for i := range q.items {
		if q.items[i].Status == StatusPending {
			q.log.Warn("queue full, evicting oldest pending transaction",
				zap.String("request_id", q.items[i].RequestID))
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// pruneTerminalLocked drops terminal entries older than the TTL.
func (q *Queue) pruneTerminalLocked(now time.Time) {
	kept := q.items[:0]
	for _, tx := range q.items {
		if tx.Status.Terminal() && now.Sub(tx.CreatedAt) > PendingTTL {
			continue
		}
		kept = append(kept, tx)
	}
	q.items = kept
}

func (q *Queue) snapshotLocked() []PendingTransaction {
	out := make([]PendingTransaction, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) load() error {
	raw, ok, err := q.opts.Store.Load(storeKey, storeNamespace)
	if err != nil {
		return fmt.Errorf("load pending transactions: %w", err)
	}
	if !ok {
		return nil
	}

	var items []PendingTransaction
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("decode pending transactions: %w", err)
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

func (q *Queue) persist(items []PendingTransaction) error {
	if len(items) == 0 {
		if err := q.opts.Store.Delete(storeKey, storeNamespace); err != nil {
			return fmt.Errorf("clear pending transactions: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode pending transactions: %w", err)
	}
	if err := q.opts.Store.Save(storeKey, raw, storeNamespace, storage.ProtectionAfterFirstUnlock); err != nil {
		return fmt.Errorf("save pending transactions: %w", err)
	}
	return nil
}
