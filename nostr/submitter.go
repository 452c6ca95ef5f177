package nostr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tantodefi/bitchat/txqueue"
)

// TransactionSubmitter satisfies txqueue.Submitter by publishing the
// transaction record to its recipient's wallet identity.
type TransactionSubmitter struct {
	client Client
}

// NewTransactionSubmitter wraps a relay client for queue submission.
func NewTransactionSubmitter(client Client) *TransactionSubmitter {
	return &TransactionSubmitter{client: client}
}

// IsConnected implements txqueue.Submitter.
func (s *TransactionSubmitter) IsConnected() bool {
	return s.client.IsConnected()
}

// Submit implements txqueue.Submitter.
func (s *TransactionSubmitter) Submit(ctx context.Context, tx txqueue.PendingTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %q: %w", tx.RequestID, err)
	}
	return s.client.Publish(ctx, tx.RecipientIdentity, string(raw))
}
