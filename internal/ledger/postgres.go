package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all server instances sharing the database.
const advisoryLockKey = int64(1_159_876_544)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const blockColumns = `idx, timestamp, previous_hash, merkle_root, block_hash, leaf_hashes`

// PostgresStore persists blocks and transactions to PostgreSQL.
// The schema lives in migrations/001_init.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// It acquires a PostgreSQL advisory lock, checks the chain tail, and inserts
// the block and its transactions, all within a single transaction.
func (s *PostgresStore) Append(ctx context.Context, b *Block) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tail *Block
	var tailIdx int64
	var tailHash string
	err = tx.QueryRow(ctx,
		"SELECT idx, block_hash FROM blocks ORDER BY idx DESC LIMIT 1",
	).Scan(&tailIdx, &tailHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read chain tail: %w", err)
	default:
		tail = &Block{Index: uint64(tailIdx), BlockHash: tailHash}
	}
	if err := checkExtends(tail, b); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO blocks (idx, timestamp, previous_hash, merkle_root, block_hash, leaf_hashes)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(b.Index), b.Timestamp, b.PreviousHash, b.MerkleRoot, b.BlockHash, b.LeafHashes,
	); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, mapPgError(err))
	}

	for pos, t := range b.Transactions {
		evidence, err := json.Marshal(t.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence for %s: %w", t.TxID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (tx_id, report_id, block_idx, position, title, uploader, description, evidence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.TxID, t.ReportID, int64(b.Index), pos, t.Title, t.Uploader, t.Description, evidence,
		); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.TxID, mapPgError(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Index, err)
	}

	s.logger.Debug("block persisted",
		zap.Uint64("idx", b.Index),
		zap.String("block_hash", b.BlockHash),
	)
	return nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (*Block, error) {
	var idx int64
	err := s.pool.QueryRow(ctx, "SELECT idx FROM blocks ORDER BY idx DESC LIMIT 1").Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	return s.Block(ctx, uint64(idx))
}

// Block implements Store.
func (s *PostgresStore) Block(ctx context.Context, index uint64) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE idx = $1`, int64(index)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}

	txs, err := s.transactions(ctx, `WHERE block_idx = $1`, int64(index))
	if err != nil {
		return nil, err
	}
	b.Transactions = txs[b.Index]
	return b, nil
}

// Blocks implements Store. It streams all rows ordered by idx.
// O(n) in chain length; may be slow for very large chains.
func (s *PostgresStore) Blocks(ctx context.Context) ([]*Block, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}

	txs, err := s.transactions(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		b.Transactions = txs[b.Index]
	}
	return blocks, nil
}

// Close implements Store. The pool belongs to the caller and stays open.
func (s *PostgresStore) Close() error { return nil }

// transactions loads transactions matching where, grouped by block index in
// insertion order.
func (s *PostgresStore) transactions(ctx context.Context, where string, args ...any) (map[uint64][]Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tx_id, report_id, block_idx, title, uploader, description, evidence
		 FROM transactions `+where+` ORDER BY block_idx ASC, position ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64][]Transaction)
	for rows.Next() {
		var (
			t        Transaction
			blockIdx int64
			evidence []byte
		)
		if err := rows.Scan(&t.TxID, &t.ReportID, &blockIdx, &t.Title, &t.Uploader, &t.Description, &evidence); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		if err := json.Unmarshal(evidence, &t.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for %s: %w", t.TxID, err)
		}
		t.BlockIndex = uint64(blockIdx)
		out[t.BlockIndex] = append(out[t.BlockIndex], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func scanBlock(row pgx.Row) (*Block, error) {
	var (
		b   Block
		idx int64
	)
	if err := row.Scan(&idx, &b.Timestamp, &b.PreviousHash, &b.MerkleRoot, &b.BlockHash, &b.LeafHashes); err != nil {
		return nil, err
	}
	b.Index = uint64(idx)
	if b.LeafHashes == nil {
		b.LeafHashes = []string{}
	}
	return &b, nil
}

// mapPgError translates unique violations into ErrDuplicate.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
