package install

import (
	"context"
	"sort"
	"sync"
)

// Hook priorities. Lower runs first.
const (
	PriorityDefault = 10
	PriorityLate    = 15
)

// InstallFilter receives the installer outcome and returns a possibly
// replaced one. Returning the inputs unchanged is a pass-through.
type InstallFilter func(ctx context.Context, res Result, err error, extra Extra) (Result, error)

type registeredFilter struct {
	priority int
	seq      int
	fn       InstallFilter
}

// Hooks is the install-finished filter chain.
type Hooks struct {
	mu      sync.RWMutex
	filters []registeredFilter
	seq     int
}

// NewHooks creates an empty hook chain.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnInstallFinished registers fn at the given priority. Filters with equal
// priority run in registration order.
func (h *Hooks) OnInstallFinished(priority int, fn InstallFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	h.filters = append(h.filters, registeredFilter{priority: priority, seq: h.seq, fn: fn})
	sort.SliceStable(h.filters, func(i, j int) bool {
		if h.filters[i].priority != h.filters[j].priority {
			return h.filters[i].priority < h.filters[j].priority
		}
		return h.filters[i].seq < h.filters[j].seq
	})
}

// ApplyInstallFinished threads the outcome through every registered filter.
func (h *Hooks) ApplyInstallFinished(ctx context.Context, res Result, err error, extra Extra) (Result, error) {
	h.mu.RLock()
	filters := make([]registeredFilter, len(h.filters))
	copy(filters, h.filters)
	h.mu.RUnlock()

	for _, f := range filters {
		res, err = f.fn(ctx, res, err, extra)
	}
	return res, err
}

// Len returns the number of registered filters.
func (h *Hooks) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.filters)
}
