package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// Scheduler queues buffers on a [Graph] back to back. It keeps a cursor for
// the next start time and tracks every voice it scheduled until the voice
// ends, so that an interruption can silence all of them at once.
//
// Buffers that arrive after their slot has passed start at the current clock
// time, which reintroduces a gap. No extra buffering is applied.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	graph *Graph

	mu     sync.Mutex
	next   int64 // frame index of the next start; 0 means nothing scheduled
	active map[*Voice]struct{}
}

// NewScheduler returns a Scheduler that plays through g.
func NewScheduler(g *Graph) *Scheduler {
	return &Scheduler{graph: g, active: make(map[*Voice]struct{})}
}

// Enqueue schedules buf at max(cursor, now), advances the cursor by the
// buffer's length and returns the chosen start time. The cursor counts
// frames, so a chunk whose length is not a whole number of nanoseconds still
// ends exactly where the next one begins.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// v is read by the end hook under s.mu, after Enqueue has assigned it.
	var v *Voice
	v, err := s.graph.Schedule(buf, s.next, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.active, v)
	})
	if err != nil {
		return 0, err
	}
	s.active[v] = struct{}{}
	s.next = v.End()
	return v.Start(), nil
}

// Interrupt stops every tracked voice, clears the set and resets the cursor
// so the next buffer starts at the current clock time.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.active {
		v.Stop()
	}
	clear(s.active)
	s.next = 0
}

// Reset returns the scheduler to its initial state. It has the same effect as
// [Scheduler.Interrupt] and is used at teardown.
func (s *Scheduler) Reset() { s.Interrupt() }

// Pending returns the number of voices scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the cursor: the time at which the next buffer would start
// if the clock has not caught up with it. Zero after an interruption.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.frameTime(s.next)
}
