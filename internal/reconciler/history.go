package reconciler

import "sync"

// historyBuffer 运行结果与差异的定长环形缓冲。
// 低争用、以追加为主，一把粗粒度锁足够。
type historyBuffer struct {
	mu sync.Mutex

	cap     int
	runs    []Result
	discs   []Discrepancy
	runNext int
	dNext   int
	runFull bool
	dFull   bool
}

func newHistoryBuffer(cap int) *historyBuffer {
	if cap <= 0 {
		cap = 100
	}
	return &historyBuffer{
		cap:   cap,
		runs:  make([]Result, cap),
		discs: make([]Discrepancy, cap),
	}
}

func (h *historyBuffer) addRun(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[h.runNext] = r
	h.runNext = (h.runNext + 1) % h.cap
	if h.runNext == 0 {
		h.runFull = true
	}
	for _, d := range r.Discrepancies {
		h.discs[h.dNext] = d
		h.dNext = (h.dNext + 1) % h.cap
		if h.dNext == 0 {
			h.dFull = true
		}
	}
}

// Runs 按时间序（旧→新）返回保留的运行结果。
func (h *historyBuffer) Runs() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ringSlice(h.runs, h.runNext, h.runFull)
}

// Discrepancies 按时间序（旧→新）返回保留的差异。
func (h *historyBuffer) Discrepancies() []Discrepancy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ringSlice(h.discs, h.dNext, h.dFull)
}

func ringSlice[T any](buf []T, next int, full bool) []T {
	if !full {
		out := make([]T, next)
		copy(out, buf[:next])
		return out
	}
	out := make([]T, 0, len(buf))
	out = append(out, buf[next:]...)
	out = append(out, buf[:next]...)
	return out
}
