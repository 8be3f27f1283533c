package ledger

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a block, transaction or leaf is absent.
	ErrNotFound = errors.New("ledger: not found")

	// ErrPersistence wraps any store failure during AppendBlock. The chain is
	// unchanged when it is returned.
	ErrPersistence = errors.New("ledger: persistence failed")

	// ErrInvalidBlock is returned when AppendBlock input is malformed.
	ErrInvalidBlock = errors.New("ledger: invalid block")

	// ErrConflict is returned by a Store when the block does not extend the
	// store's current tail (another writer appended first).
	ErrConflict = errors.New("ledger: tail moved")

	// ErrDuplicate is returned by a Store when a block hash, tx id or report
	// id already exists.
	ErrDuplicate = errors.New("ledger: duplicate key")
)

// Store is the durable home of blocks and their transactions.
// MemoryStore, LevelDBStore and PostgresStore implement it.
type Store interface {
	// Append persists a block together with all of its transactions, or
	// nothing. It must return ErrConflict when b does not directly extend the
	// stored tail (index and previous hash).
	Append(ctx context.Context, b *Block) error

	// Tail returns the highest-index block, or nil when the store is empty.
	Tail(ctx context.Context) (*Block, error)

	// Block returns the block at index, or ErrNotFound.
	Block(ctx context.Context, index uint64) (*Block, error)

	// Blocks returns every block in ascending index order.
	Blocks(ctx context.Context) ([]*Block, error)

	// Close releases resources held by the store.
	Close() error
}

// checkExtends reports ErrConflict if b does not link onto tail.
func checkExtends(tail, b *Block) error {
	if tail == nil {
		if b.Index != 0 || b.PreviousHash != GenesisPrevHash {
			return ErrConflict
		}
		return nil
	}
	if b.Index != tail.Index+1 || b.PreviousHash != tail.BlockHash {
		return ErrConflict
	}
	return nil
}
