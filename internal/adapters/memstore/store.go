package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/domain"
)

var storeLog = logrus.WithField("component", "memstore")

// ErrNotFound 台账中不存在该持仓
var ErrNotFound = errors.New("position not found")

// ErrDuplicate 持仓 ID 已存在
var ErrDuplicate = errors.New("position already exists")

const keyPrefix = "position:"

// Options 台账存储配置
type Options struct {
	// Dir badger 数据目录；为空或 InMemory 为 true 时使用纯内存模式
	Dir string
	// InMemory 强制纯内存（测试用，进程退出即丢失）
	InMemory bool
}

// Store 基于 badger 的持仓台账，实现 ports.PositionManager。
// 记录以 JSON 存储在 "position:<id>" 键下。
// writeMu 保证 UpdatePosition 的读-改-写整体原子。
type Store struct {
	db      *badger.DB
	writeMu sync.Mutex
}

// Open 打开台账存储。
func Open(opts Options) (*Store, error) {
	inMemory := opts.InMemory || strings.TrimSpace(opts.Dir) == ""
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(nil).
		WithInMemory(inMemory)
	if inMemory {
		bopts.Dir = ""
		bopts.ValueDir = ""
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	storeLog.Infof("✅ 台账存储已打开 (inMemory=%v dir=%s)", inMemory, opts.Dir)
	return &Store{db: db}, nil
}

// Close 关闭存储。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetPositions 全部台账记录的快照。
func (s *Store) GetPositions(ctx context.Context) ([]*domain.PositionRecord, error) {
	var out []*domain.PositionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec domain.PositionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// 稳定输出顺序，方便内省接口与测试
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPosition 按 ID 读取单条记录。
func (s *Store) GetPosition(ctx context.Context, id string) (*domain.PositionRecord, error) {
	var rec domain.PositionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreatePosition 新建记录；ID 已存在时失败。
func (s *Store) CreatePosition(ctx context.Context, rec *domain.PositionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid position record")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(rec.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putRecord(txn, rec)
	})
}

// UpdatePosition 在存储锁内对记录应用 fn 后写回。
func (s *Store) UpdatePosition(ctx context.Context, id string, fn func(*domain.PositionRecord)) error {
	if fn == nil {
		return fmt.Errorf("nil update fn")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		fn(rec)
		rec.ID = id // ID 不可经由 fn 改写
		return putRecord(txn, rec)
	})
}

// ClosePosition 把记录标记为已平仓（保留在台账里供审计）。
func (s *Store) ClosePosition(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Status = domain.RecordStatusClosed
		rec.UpdatedAt = time.Now()
		return putRecord(txn, rec)
	})
}

func recordKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func getRecord(txn *badger.Txn, id string) (*domain.PositionRecord, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var rec domain.PositionRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *domain.PositionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(rec.ID), b)
}
