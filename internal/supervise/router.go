package supervise

import "sync"

// OutputSink receives the interpreter's raw output stream. Reset is
// delivered once, before any chunk, at the start of each invocation.
// Chunks are raw bytes in emission order; control and formatting
// sequences pass through unmodified. Implementations must not block.
type OutputSink interface {
	Reset()
	Chunk([]byte)
}

// Router fans lifecycle events out to the invocation's sinks: output
// chunks to the OutputSink, the terminal transition to the optional
// onTerminate callback. Delivery is mutex-serialized, so chunks reach
// the sink in arrival order and the terminate event is never reordered
// ahead of a chunk.
type Router struct {
	mu          sync.Mutex
	sink        OutputSink
	terminated  bool
	onTerminate func(Outcome)
}

// NewRouter builds a router for one invocation. A nil sink discards
// output; a nil onTerminate is allowed.
func NewRouter(sink OutputSink, onTerminate func(Outcome)) *Router {
	if sink == nil {
		sink = discardSink{}
	}
	return &Router{sink: sink, onTerminate: onTerminate}
}

// Start issues the sink's reset directive. Called once before the
// process spawns.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink.Reset()
}

// Write implements io.Writer so the router can sit directly behind the
// child's stdout and stderr. The buffer is copied because exec reuses
// it between reads. Chunks arriving after the terminal transition are
// dropped.
func (r *Router) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return len(p), nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	r.sink.Chunk(buf)
	return len(p), nil
}

// Terminate delivers the terminal transition exactly once and reports
// whether this call was the one that delivered it.
func (r *Router) Terminate(out Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return false
	}
	r.terminated = true
	if r.onTerminate != nil {
		r.onTerminate(out)
	}
	return true
}

type discardSink struct{}

func (discardSink) Reset()        {}
func (discardSink) Chunk([]byte)  {}
