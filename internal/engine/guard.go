package engine

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/roach88/fabricd/internal/txn"
)

const (
	guardArmed int32 = iota
	guardFired
	guardStopped
)

// TimeoutGuard is a one-shot, per-transaction timeout.
//
// When it fires, Fired reports true and Done is closed. The monitor checks it
// on every poll and each agent parked at the commit wait selects on Done.
// A guard that was stopped first never fires.
type TimeoutGuard struct {
	state atomic.Int32
	done  chan struct{}
	timer *time.Timer
}

// NewTimeoutGuard arms a guard that fires after d. A non-positive d fires
// before NewTimeoutGuard returns.
func NewTimeoutGuard(d time.Duration) *TimeoutGuard {
	g := &TimeoutGuard{done: make(chan struct{})}
	if d <= 0 {
		g.Fire()
		return g
	}
	g.timer = time.AfterFunc(d, func() { g.Fire() })
	return g
}

// Fire trips the guard now. Returns false if it already fired or was
// stopped. The dispatcher uses it to release parked agents when it abandons
// a transaction.
func (g *TimeoutGuard) Fire() bool {
	if !g.state.CompareAndSwap(guardArmed, guardFired) {
		return false
	}
	close(g.done)
	return true
}

// Fired reports whether the guard has fired.
func (g *TimeoutGuard) Fired() bool {
	return g.state.Load() == guardFired
}

// Done returns a channel closed when the guard fires. It is never closed
// for a guard that was stopped.
func (g *TimeoutGuard) Done() <-chan struct{} {
	return g.done
}

// Stop disarms the guard. Returns true if this call prevented it from
// firing. Safe to call repeatedly.
func (g *TimeoutGuard) Stop() bool {
	if !g.state.CompareAndSwap(guardArmed, guardStopped) {
		return false
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	return true
}

// signals carries the dispatcher's phase-boundary notifications to agents.
// Each notified phase has a channel that is closed exactly once.
type signals struct {
	mu    sync.Mutex
	chans map[txn.TransactionPhase]chan struct{}
}

func newSignals() *signals {
	return &signals{chans: make(map[txn.TransactionPhase]chan struct{})}
}

func (s *signals) ch(phase txn.TransactionPhase) chan struct{} {
	c, ok := s.chans[phase]
	if !ok {
		c = make(chan struct{})
		s.chans[phase] = c
	}
	return c
}

// Notify closes the channel for phase. Repeated calls are no-ops.
func (s *signals) Notify(phase txn.TransactionPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ch(phase)
	select {
	case <-c:
	default:
		close(c)
	}
}

// Wait returns the channel closed by Notify(phase).
func (s *signals) Wait(phase txn.TransactionPhase) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch(phase)
}
