package exception

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/ehrt/pkg/fatal"
)

// ThreadStack holds the headers of one thread, most recent first. Only the
// owning thread touches it, so it has no lock of its own.
type ThreadStack struct {
	ID uint64

	top   *Header
	depth int

	// one header is kept per thread and reused while free
	spare     Header
	spareUsed bool
}

// CreateHeader allocates a header for payload, reusing the thread's spare
// slot when it is free.
func (s *ThreadStack) CreateHeader(payload any, origin fatal.Origin) *Header {
	var h *Header
	if !s.spareUsed {
		s.spareUsed = true
		h = &s.spare
		*h = Header{}
	} else {
		h = &Header{}
	}
	h.Payload = payload
	h.Origin = origin
	h.stack = s
	h.Exception.Class = Class
	h.Exception.Owner = h
	return h
}

func (s *ThreadStack) FreeHeader(h *Header) {
	if h == &s.spare {
		s.spareUsed = false
	}
	*h = Header{}
}

func (s *ThreadStack) Push(h *Header) {
	h.next = s.top
	s.top = h
	s.depth++
}

// Pop removes the top header and returns it, nil when the stack is empty.
func (s *ThreadStack) Pop() *Header {
	h := s.top
	if h == nil {
		return nil
	}
	s.top = h.next
	h.next = nil
	s.depth--
	return h
}

func (s *ThreadStack) Top() *Header { return s.top }

func (s *ThreadStack) Len() int { return s.depth }

// Registry maps thread ids to their stacks.
type Registry struct {
	logger  log.Logger
	metrics *Metrics

	mu     sync.Mutex
	stacks map[uint64]*ThreadStack
}

func NewRegistry(logger log.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		logger:  logger,
		metrics: metrics,
		stacks:  make(map[uint64]*ThreadStack),
	}
}

func (r *Registry) GetOrCreate(id uint64) *ThreadStack {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stacks[id]
	if !ok {
		s = &ThreadStack{ID: id}
		r.stacks[id] = s
		if r.metrics != nil {
			r.metrics.Threads.Inc()
		}
	}
	return s
}

func (r *Registry) Lookup(id uint64) (*ThreadStack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stacks[id]
	return s, ok
}

// RemoveStack drops s from the registry and frees the headers still on it,
// which were abandoned mid-unwind. It returns how many were reclaimed.
func (r *Registry) RemoveStack(s *ThreadStack) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.stacks[s.ID]; !ok || cur != s {
		return 0
	}
	delete(r.stacks, s.ID)
	if r.metrics != nil {
		r.metrics.Threads.Dec()
	}
	n := 0
	for h := s.Pop(); h != nil; h = s.Pop() {
		s.FreeHeader(h)
		n++
	}
	if n > 0 {
		level.Warn(r.logger).Log("msg", "reclaimed abandoned exceptions", "thread", s.ID, "count", n)
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stacks)
}
