package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	blocks  []*Block
	hashes  map[string]struct{}
	txIDs   map[string]struct{}
	reports map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes:  make(map[string]struct{}),
		txIDs:   make(map[string]struct{}),
		reports: make(map[string]struct{}),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tail *Block
	if n := len(s.blocks); n > 0 {
		tail = s.blocks[n-1]
	}
	if err := checkExtends(tail, b); err != nil {
		return err
	}

	if _, ok := s.hashes[b.BlockHash]; ok {
		return fmt.Errorf("%w: block_hash %s", ErrDuplicate, b.BlockHash)
	}
	for _, tx := range b.Transactions {
		if _, ok := s.txIDs[tx.TxID]; ok {
			return fmt.Errorf("%w: tx_id %s", ErrDuplicate, tx.TxID)
		}
		if _, ok := s.reports[tx.ReportID]; ok {
			return fmt.Errorf("%w: report_id %s", ErrDuplicate, tx.ReportID)
		}
	}

	// All checks passed; from here nothing can fail.
	s.blocks = append(s.blocks, b.Clone())
	s.hashes[b.BlockHash] = struct{}{}
	for _, tx := range b.Transactions {
		s.txIDs[tx.TxID] = struct{}{}
		s.reports[tx.ReportID] = struct{}{}
	}
	return nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	return s.blocks[len(s.blocks)-1].Clone(), nil
}

// Block implements Store.
func (s *MemoryStore) Block(_ context.Context, index uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.blocks)) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	return s.blocks[index].Clone(), nil
}

// Blocks implements Store.
func (s *MemoryStore) Blocks(_ context.Context) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Block, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Clone()
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
