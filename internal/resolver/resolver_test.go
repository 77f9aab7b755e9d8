package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/poskeeper/internal/domain"
)

// fakeManager 只记录 UpdatePosition 调用的内存台账
type fakeManager struct {
	mu      sync.Mutex
	records map[string]*domain.PositionRecord
	updates int
}

func newFakeManager(recs ...*domain.PositionRecord) *fakeManager {
	m := &fakeManager{records: make(map[string]*domain.PositionRecord)}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return m
}

func (m *fakeManager) GetPositions(_ context.Context) ([]*domain.PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.PositionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *fakeManager) GetPosition(_ context.Context, id string) (*domain.PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id], nil
}

func (m *fakeManager) CreatePosition(_ context.Context, rec *domain.PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *fakeManager) UpdatePosition(_ context.Context, id string, fn func(*domain.PositionRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		fn(rec)
		m.updates++
	}
	return nil
}

func (m *fakeManager) ClosePosition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.Status = domain.RecordStatusClosed
	}
	return nil
}

func strategyRecord(id string, price, size float64) *domain.PositionRecord {
	return &domain.PositionRecord{
		ID:          id,
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		Size:        size,
		EntryPrice:  price,
		Status:      domain.RecordStatusOpen,
		StrategyTag: "grid",
		Ownership:   domain.OwnershipSystem,
		UpdatedAt:   time.Now(),
	}
}

func reported(price, size float64) *domain.ExchangePosition {
	return &domain.ExchangePosition{
		ExchangeID: "ex-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Size:       size,
		EntryPrice: price,
	}
}

func TestResolve_ExactIDMatch(t *testing.T) {
	rec := strategyRecord("local-1", 50000, 0.5)
	mgr := newFakeManager(rec)
	r := New(Options{}, mgr)
	r.RegisterID("ex-1", "local-1")

	class, match := r.Resolve(context.Background(), reported(51000, 0.7), []*domain.PositionRecord{rec})
	require.Equal(t, ClassSystem, class)
	require.NotNil(t, match)
	assert.Equal(t, "local-1", match.ID)
	// 精确匹配不做滑点覆写
	assert.Equal(t, 0, mgr.updates)
}

func TestResolve_ProximityMatchOverwritesSlippage(t *testing.T) {
	// 价差 0.3%、数量差 0.05%：都在容差带内
	rec := strategyRecord("local-1", 50000, 1.0)
	mgr := newFakeManager(rec)
	r := New(Options{}, mgr)

	rep := reported(50150, 1.0005)
	class, match := r.Resolve(context.Background(), rep, []*domain.PositionRecord{rec})
	require.Equal(t, ClassSystem, class)
	require.NotNil(t, match)

	// 交易所成交值为准：本地记录被覆写
	assert.Equal(t, 1, mgr.updates)
	assert.InDelta(t, 50150.0, rec.EntryPrice, 1e-9)
	assert.InDelta(t, 1.0005, rec.Size, 1e-9)

	// 新 ID 已登记，下次走精确匹配
	localID, ok := r.LookupID("ex-1")
	require.True(t, ok)
	assert.Equal(t, "local-1", localID)
}

func TestResolve_PriceOutsideToleranceIsManual(t *testing.T) {
	// 价差 1%：超出 0.5% 容差
	rec := strategyRecord("local-1", 50000, 1.0)
	mgr := newFakeManager(rec)
	r := New(Options{}, mgr)

	class, match := r.Resolve(context.Background(), reported(50500, 1.0), []*domain.PositionRecord{rec})
	assert.Equal(t, ClassManual, class)
	assert.Nil(t, match)
	assert.Equal(t, 0, mgr.updates)
}

func TestResolve_SizeOutsideToleranceIsManual(t *testing.T) {
	// 数量差 0.5%：超出 0.1% 容差
	rec := strategyRecord("local-1", 50000, 1.0)
	r := New(Options{}, newFakeManager(rec))

	class, _ := r.Resolve(context.Background(), reported(50000, 1.005), []*domain.PositionRecord{rec})
	assert.Equal(t, ClassManual, class)
}

func TestResolve_OnlyStrategyOwnedCandidates(t *testing.T) {
	manual := strategyRecord("local-1", 50000, 1.0)
	manual.Ownership = domain.OwnershipManual
	untagged := strategyRecord("local-2", 50000, 1.0)
	untagged.StrategyTag = ""

	r := New(Options{}, newFakeManager(manual, untagged))
	class, _ := r.Resolve(context.Background(), reported(50000, 1.0), []*domain.PositionRecord{manual, untagged})
	assert.Equal(t, ClassManual, class)
}

func TestResolve_SideMismatchIsManual(t *testing.T) {
	rec := strategyRecord("local-1", 50000, 1.0)
	rec.Side = domain.SideShort
	r := New(Options{}, newFakeManager(rec))

	class, _ := r.Resolve(context.Background(), reported(50000, 1.0), []*domain.PositionRecord{rec})
	assert.Equal(t, ClassManual, class)
}

func TestResolve_PicksClosestPriceCandidate(t *testing.T) {
	near := strategyRecord("local-near", 50100, 1.0)
	far := strategyRecord("local-far", 50200, 1.0)
	mgr := newFakeManager(near, far)
	r := New(Options{}, mgr)

	_, match := r.Resolve(context.Background(), reported(50100, 1.0), []*domain.PositionRecord{far, near})
	require.NotNil(t, match)
	assert.Equal(t, "local-near", match.ID)
}

func TestResolve_NoTimeWindowByDefault(t *testing.T) {
	// 默认不做时间窗约束：一小时前的记录照样可匹配
	rec := strategyRecord("local-1", 50000, 1.0)
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	r := New(Options{}, newFakeManager(rec))

	class, match := r.Resolve(context.Background(), reported(50000, 1.0), []*domain.PositionRecord{rec})
	assert.Equal(t, ClassSystem, class)
	require.NotNil(t, match)

	// 显式开启 MaxAge 后，同一记录被排除
	r2 := New(Options{MaxAge: time.Minute}, newFakeManager(rec))
	class2, _ := r2.Resolve(context.Background(), reported(50000, 1.0), []*domain.PositionRecord{rec})
	assert.Equal(t, ClassManual, class2)
}

func TestExportImportIDs(t *testing.T) {
	r := New(Options{}, nil)
	r.RegisterID("ex-1", "local-1")
	r.RegisterID("ex-2", "local-2")

	exported := r.ExportIDs()
	require.Len(t, exported, 2)

	r2 := New(Options{}, nil)
	r2.ImportIDs(exported)
	localID, ok := r2.LookupID("ex-2")
	require.True(t, ok)
	assert.Equal(t, "local-2", localID)
}
