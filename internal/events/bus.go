package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/metrics"
)

var busLog = logrus.WithField("component", "event_bus")

var (
	// ErrBusClosed 总线已停止，拒绝新事件
	ErrBusClosed = errors.New("event bus closed")
	// ErrBusSaturated 事件逐级降级后连最低优先级队列也已满，事件被丢弃
	ErrBusSaturated = errors.New("event bus saturated, event dropped")
)

// Handler 事件处理函数。单个 handler 的失败会被隔离，不影响同一事件的其他 handler。
type Handler func(ctx context.Context, e *Event) error

// Filter 发布前的准入检查：返回 false 则事件被静默丢弃（不报错）。
type Filter func(e *Event) bool

// Middleware 发布管线中间件，按注册顺序执行；返回 false 即否决，发布静默终止。
// 中间件只允许在入队前修改事件。
type Middleware func(e *Event) bool

// ErrorHandler 接收被隔离的 handler 错误
type ErrorHandler func(e *Event, err error)

// Subscription 订阅句柄。调用方必须保留它并在退订时传回，
// 订阅生命周期完全显式，不依赖 GC。
type Subscription struct {
	id       uint64
	kind     domain.EventKind
	priority int
	handler  Handler
}

// Config 总线配置
type Config struct {
	LaneCapacity int // 每条优先级队列的容量
	WorkerCount  int // 每条队列的 worker 数
	LatencyCap   int // 延迟采样环形缓冲大小
}

func (c Config) withDefaults() Config {
	if c.LaneCapacity <= 0 {
		c.LaneCapacity = 256
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.LatencyCap <= 0 {
		c.LatencyCap = 1000
	}
	return c
}

// Bus 带优先级队列的类型化发布/订阅总线。
//
// 投递语义：
// - 同一条队列内 FIFO；跨队列只保证尽力而为的优先级顺序
// - 每个事件对每个存活 handler 至多投递一次
// - 目标队列满时降一级重试；最低级仍满则丢弃并计数
type Bus struct {
	cfg Config

	lanes [numPriorities]chan *Event

	subMu  sync.RWMutex
	subs   map[domain.EventKind][]*Subscription
	nextID uint64

	hookMu        sync.RWMutex
	filters       []Filter
	middlewares   []Middleware
	errorHandlers []ErrorHandler

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  atomic.Bool

	stats busStats
}

// NewBus 创建总线（未启动，Publish 在启动前即可入队）。
func NewBus(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:  cfg,
		subs: make(map[domain.EventKind][]*Subscription),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan *Event, cfg.LaneCapacity)
	}
	b.stats.latency.cap = cfg.LatencyCap
	return b
}

// Publish 将事件送入发布管线：filters → middlewares → 按优先级入队。
// 只有降级到最低优先级仍然队列满时才返回错误。
func (b *Bus) Publish(e *Event) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil event")
	}
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		filled := NewEvent(e.Kind, e.Category, e.Priority, e.Source, e.Payload)
		filled.Metadata = e.Metadata
		e = filled
	}

	b.hookMu.RLock()
	filters := b.filters
	middlewares := b.middlewares
	b.hookMu.RUnlock()

	// 任一 filter 拒绝：静默丢弃，不算错误
	for _, f := range filters {
		if !f(e) {
			return e.ID, nil
		}
	}
	// 首个否决的 middleware 终止管线（no-op）
	for _, m := range middlewares {
		if !m(e) {
			return e.ID, nil
		}
	}

	prio := e.Priority
	for {
		select {
		case b.lanes[prio] <- e:
			b.stats.published.Add(1)
			metrics.EventsPublished.Add(1)
			return e.ID, nil
		default:
		}
		next, ok := prio.demote()
		if !ok {
			b.stats.dropped.Add(1)
			metrics.EventsDropped.Add(1)
			busLog.Warnf("⚠️ 事件队列饱和，丢弃事件: kind=%s id=%s", e.Kind, e.ID)
			return e.ID, ErrBusSaturated
		}
		prio = next
	}
}

// Subscribe 绑定事件类型与 handler，返回退订所需的句柄。
// priority 只用于同一事件扇出时的 handler 排序，越大越先发起。
func (b *Bus) Subscribe(kind domain.EventKind, handler Handler, priority int) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler")
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		kind:     kind,
		priority: priority,
		handler:  handler,
	}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub, nil
}

// Unsubscribe 移除订阅；句柄未知时为 no-op。
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// AddFilter 注册发布准入过滤器（按注册顺序执行）。
func (b *Bus) AddFilter(f Filter) {
	if f == nil {
		return
	}
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.filters = append(b.filters, f)
}

// AddMiddleware 注册发布中间件（按注册顺序执行）。
func (b *Bus) AddMiddleware(m Middleware) {
	if m == nil {
		return
	}
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

// AddErrorHandler 注册 handler 错误回调。
func (b *Bus) AddErrorHandler(h ErrorHandler) {
	if h == nil {
		return
	}
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.errorHandlers = append(b.errorHandlers, h)
}

// Start 为每条优先级队列启动 workerCount 个 worker。重复调用为 no-op。
func (b *Bus) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = b.cfg.WorkerCount
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = true

	for prio := 0; prio < numPriorities; prio++ {
		lane := b.lanes[prio]
		for w := 0; w < workerCount; w++ {
			b.wg.Add(1)
			go b.worker(runCtx, Priority(prio), w, lane)
		}
	}
	busLog.Infof("✅ 事件总线已启动 (lanes=%d workers/lane=%d capacity=%d)",
		numPriorities, workerCount, b.cfg.LaneCapacity)
}

// Stop 取消全部 worker；已入队未投递的事件直接丢弃，不再调用 handler。
func (b *Bus) Stop() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.runMu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.runMu.Unlock()
	b.wg.Wait()
	busLog.Info("事件总线已停止，残留事件已丢弃")
}

// worker 以有界等待从队列取事件，保证 Stop 的响应性。
func (b *Bus) worker(ctx context.Context, prio Priority, id int, lane <-chan *Event) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-lane:
			if e == nil {
				continue
			}
			b.dispatch(ctx, e)
		}
	}
}

// dispatch 解析事件类型当前存活的 handler，按声明优先级排序后并发扇出。
func (b *Bus) dispatch(ctx context.Context, e *Event) {
	start := time.Now()

	b.subMu.RLock()
	list := b.subs[e.Kind]
	handlers := make([]*Subscription, len(list))
	copy(handlers, list)
	b.subMu.RUnlock()

	if len(handlers) == 0 {
		b.stats.processed.Add(1)
		b.stats.latency.record(time.Since(start))
		return
	}

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].priority > handlers[j].priority
	})

	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, sub := range handlers {
		sub := sub
		go func() {
			defer wg.Done()
			b.runHandler(ctx, sub, e)
		}()
	}
	wg.Wait()

	b.stats.processed.Add(1)
	b.stats.latency.record(time.Since(start))
}

// runHandler 单个 handler 的失败（error 或 panic）被就地隔离，
// 转交 error handlers，绝不影响兄弟 handler 或 worker 循环。
func (b *Bus) runHandler(ctx context.Context, sub *Subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.stats.failed.Add(1)
			metrics.EventsFailed.Add(1)
			b.reportError(e, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := sub.handler(ctx, e); err != nil {
		b.stats.failed.Add(1)
		metrics.EventsFailed.Add(1)
		b.reportError(e, err)
	}
}

func (b *Bus) reportError(e *Event, err error) {
	busLog.Errorf("❌ 事件处理失败: kind=%s id=%s err=%v", e.Kind, e.ID, err)
	b.hookMu.RLock()
	hs := b.errorHandlers
	b.hookMu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() { _ = recover() }()
			h(e, err)
		}()
	}
}

// QueueLen 某条优先级队列当前积压（供内省接口使用）。
func (b *Bus) QueueLen(p Priority) int {
	if p < 0 || int(p) >= numPriorities {
		return 0
	}
	return len(b.lanes[p])
}
