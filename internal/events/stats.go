package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// busStats 总线运行统计。计数走原子变量；
// 延迟样本是上限固定的环形缓冲（默认保留最近 1000 次分发）。
type busStats struct {
	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	latency latencyRing
}

type latencyRing struct {
	mu      sync.Mutex
	cap     int
	samples []time.Duration
	next    int
	full    bool
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap <= 0 {
		return
	}
	if r.samples == nil {
		r.samples = make([]time.Duration, r.cap)
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = r.cap
	}
	out := make([]time.Duration, n)
	copy(out, r.samples[:n])
	return out
}

// Stats 对外暴露的统计快照
type Stats struct {
	Published  int64
	Processed  int64
	Failed     int64
	Dropped    int64
	AvgLatency time.Duration
	Samples    int
}

// Stats 返回当前统计快照。
func (b *Bus) Stats() Stats {
	s := Stats{
		Published: b.stats.published.Load(),
		Processed: b.stats.processed.Load(),
		Failed:    b.stats.failed.Load(),
		Dropped:   b.stats.dropped.Load(),
	}
	samples := b.stats.latency.snapshot()
	s.Samples = len(samples)
	if len(samples) > 0 {
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		s.AvgLatency = sum / time.Duration(len(samples))
	}
	return s
}
