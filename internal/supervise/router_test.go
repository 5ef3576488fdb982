package supervise

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// recordSink records every sink event in arrival order.
type recordSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "reset")
}

func (s *recordSink) Chunk(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "chunk:"+string(p))
}

func (s *recordSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.events...)
}

// Output concatenates all chunk payloads in delivery order.
func (s *recordSink) Output() string {
	var sb strings.Builder
	for _, ev := range s.Events() {
		if rest, ok := strings.CutPrefix(ev, "chunk:"); ok {
			sb.WriteString(rest)
		}
	}
	return sb.String()
}

func TestRouter_DeliversInOrder(t *testing.T) {
	sink := &recordSink{}
	var terminated []Outcome
	r := NewRouter(sink, func(o Outcome) {
		terminated = append(terminated, o)
	})

	r.Start()
	for i := 0; i < 3; i++ {
		if _, err := r.Write([]byte(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	r.Terminate(Outcome{State: Completed})

	want := []string{"reset", "chunk:c0", "chunk:c1", "chunk:c2"}
	got := sink.Events()
	if len(got) != len(want) {
		t.Fatalf("events = %#v, want %#v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(terminated) != 1 {
		t.Fatalf("terminate delivered %d times, want 1", len(terminated))
	}
}

func TestRouter_WriteCopiesBuffer(t *testing.T) {
	sink := &recordSink{}
	r := NewRouter(sink, nil)

	buf := []byte("first")
	if _, err := r.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(buf, "XXXXX") // simulate exec reusing the read buffer

	if out := sink.Output(); out != "first" {
		t.Fatalf("chunk mutated after Write: %q", out)
	}
}

func TestRouter_TerminateExactlyOnce(t *testing.T) {
	calls := 0
	r := NewRouter(nil, func(Outcome) { calls++ })

	if !r.Terminate(Outcome{State: Cancelled}) {
		t.Fatal("first Terminate should deliver")
	}
	if r.Terminate(Outcome{State: Completed}) {
		t.Fatal("second Terminate must be a no-op")
	}
	if calls != 1 {
		t.Fatalf("onTerminate called %d times, want 1", calls)
	}
}

func TestRouter_DropsChunksAfterTerminate(t *testing.T) {
	sink := &recordSink{}
	r := NewRouter(sink, nil)
	r.Terminate(Outcome{State: Cancelled})

	if _, err := r.Write([]byte("late")); err != nil {
		t.Fatalf("Write after terminate: %v", err)
	}
	if out := sink.Output(); out != "" {
		t.Fatalf("late chunk delivered: %q", out)
	}
}

func TestRouter_NilSink(t *testing.T) {
	r := NewRouter(nil, nil)
	r.Start()
	if _, err := r.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r.Terminate(Outcome{})
}
