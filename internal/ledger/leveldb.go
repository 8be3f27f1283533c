package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	block/<idx, 20-digit zero padded> => Block JSON (with transactions)
//	hash/<block_hash>                 => idx
//	tx/<tx_id>                        => idx
//	report/<report_id>                => idx
//	meta/height                       => idx of the tail block
//
// Zero padding keeps the block/ prefix in index order for iteration.
const (
	lvlBlockPrefix  = "block/"
	lvlHashPrefix   = "hash/"
	lvlTxPrefix     = "tx/"
	lvlReportPrefix = "report/"
	lvlHeightKey    = "meta/height"
)

func lvlBlockKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", lvlBlockPrefix, index))
}

// LevelDBStore persists the chain in an embedded LevelDB database. Each block
// and its index entries are written in one synced batch, so a crash leaves
// either the whole block or none of it.
type LevelDBStore struct {
	mu sync.Mutex // serialises Append within the process
	db *leveldb.DB
}

// OpenLevelDBStore opens (or creates) a LevelDB database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

// Append implements Store.
func (s *LevelDBStore) Append(ctx context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.Tail(ctx)
	if err != nil {
		return err
	}
	if err := checkExtends(tail, b); err != nil {
		return err
	}

	idx := []byte(strconv.FormatUint(b.Index, 10))
	batch := new(leveldb.Batch)

	uniques := [][]byte{[]byte(lvlHashPrefix + b.BlockHash)}
	for _, tx := range b.Transactions {
		uniques = append(uniques, []byte(lvlTxPrefix+tx.TxID), []byte(lvlReportPrefix+tx.ReportID))
	}
	for _, key := range uniques {
		exists, err := s.db.Has(key, nil)
		if err != nil {
			return fmt.Errorf("check %s: %w", key, err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
		batch.Put(key, idx)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}
	batch.Put(lvlBlockKey(b.Index), data)
	batch.Put([]byte(lvlHeightKey), idx)

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write block %d: %w", b.Index, err)
	}
	return nil
}

// Tail implements Store.
func (s *LevelDBStore) Tail(ctx context.Context) (*Block, error) {
	v, err := s.db.Get([]byte(lvlHeightKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read height: %w", err)
	}
	h, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse height %q: %w", v, err)
	}
	return s.Block(ctx, h)
}

// Block implements Store.
func (s *LevelDBStore) Block(_ context.Context, index uint64) (*Block, error) {
	data, err := s.db.Get(lvlBlockKey(index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	b := &Block{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", index, err)
	}
	return b, nil
}

// Blocks implements Store.
func (s *LevelDBStore) Blocks(_ context.Context) ([]*Block, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(lvlBlockPrefix)), nil)
	defer iter.Release()

	var out []*Block
	for iter.Next() {
		b := &Block{}
		if err := json.Unmarshal(iter.Value(), b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, b)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
