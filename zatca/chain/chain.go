// Package chain tracks the invoice hash chain of each unit: the counter and digest of
// the last signed invoice, which the next invoice must reference.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-zatca-client/zatca"
	"github.com/alapierre/go-zatca-client/zatca/invoice"
)

var logger = logrus.WithField("component", "zatca.chain")

// Head is the last link of a unit's chain.
type Head struct {
	Counter   uint64    `json:"counter"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Genesis is the head of a unit that has not signed any invoice yet.
var Genesis = Head{Hash: invoice.FirstInvoiceHash}

func (h Head) IsGenesis() bool {
	return h.Counter == 0 && h.Hash == invoice.FirstInvoiceHash
}

// Verify checks that an invoice with the given counter and previous invoice hash
// directly follows prev.
func Verify(prev Head, counter uint64, previousHash string) error {
	if previousHash != prev.Hash {
		return &zatca.SequenceError{
			Op:     "verify chain",
			Reason: fmt.Sprintf("previous invoice hash %q does not match last digest %q", previousHash, prev.Hash),
		}
	}
	if counter <= prev.Counter {
		return &zatca.SequenceError{
			Op:     "verify chain",
			Reason: fmt.Sprintf("invoice counter %d does not follow %d", counter, prev.Counter),
		}
	}
	return nil
}

// Store keeps chain heads. Advance is a compare and swap: it fails with a
// *zatca.SequenceError when the stored head is no longer prev.
type Store interface {
	Head(ctx context.Context, unit string) (Head, error)
	Advance(ctx context.Context, unit string, prev, next Head) error
}

func staleHead(unit string, want, got Head) error {
	return &zatca.SequenceError{
		Op:     "advance chain",
		Reason: fmt.Sprintf("unit %s head moved from counter %d to %d", unit, want.Counter, got.Counter),
	}
}

func sameLink(a, b Head) bool {
	return a.Counter == b.Counter && a.Hash == b.Hash
}

// MemoryStore is a Store for one process.
type MemoryStore struct {
	mu    sync.Mutex
	heads map[string]Head
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{heads: make(map[string]Head), clock: time.Now}
}

func (s *MemoryStore) Head(_ context.Context, unit string) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.heads[unit]; ok {
		return h, nil
	}
	return Genesis, nil
}

func (s *MemoryStore) Advance(_ context.Context, unit string, prev, next Head) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.heads[unit]
	if !ok {
		cur = Genesis
	}
	if !sameLink(cur, prev) {
		return staleHead(unit, prev, cur)
	}
	next.UpdatedAt = s.clock()
	s.heads[unit] = next
	logger.WithFields(logrus.Fields{"unit": unit, "counter": next.Counter}).Debug("chain advanced")
	return nil
}
