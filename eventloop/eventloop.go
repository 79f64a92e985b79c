// Package eventloop provides the single-threaded, cooperative scheduler that
// every engine in this module runs on (spec.md §5). It is the Go stand-in for
// the externally injected "timer facade" and "event loop" collaborators
// spec.md §1 treats as out of scope: callbacks never run concurrently with
// each other, so engines can safely share maps and slices without locks.
//
// The scheduling style mirrors p2p/discover/udp.go's loop(): a container/list
// of pending deadlines, reset to the earliest upcoming one on every change.
package eventloop

import (
	"container/list"
	"time"
)

// Clock supplies the loop's notion of the current time, against which job
// deadlines are set and checked. The wait until the next deadline always uses
// a real time.Timer (After is not called), so a virtual clock does not let
// tests skip wall-clock waiting.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// CancelFunc unschedules a previously scheduled callback; calling it more
// than once, or after the callback has already fired, is a no-op.
type CancelFunc func()

type job struct {
	deadline time.Time
	fn       func()
	fired    bool
}

// Loop is a single-goroutine scheduler. The zero value is not usable; create
// one with New.
type Loop struct {
	clock   Clock
	run     chan func()
	closing chan struct{}
	closed  chan struct{}
	pending *list.List
	timer   *time.Timer
}

// New starts a Loop backed by the real wall clock.
func New() *Loop {
	return NewWithClock(realClock{})
}

// NewWithClock starts a Loop that reads the current time from an injected
// clock.
func NewWithClock(clock Clock) *Loop {
	l := &Loop{
		clock:   clock,
		run:     make(chan func(), 256),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go l.loop()
	return l
}

// Close stops the loop. Pending callbacks are dropped without firing.
func (l *Loop) Close() {
	close(l.closing)
	<-l.closed
}

// Post submits fn to run on the loop's goroutine as soon as possible,
// preserving the "all mutation happens inside event callbacks" invariant for
// calls arriving from other goroutines (e.g. the UDP read goroutine).
func (l *Loop) Post(fn func()) {
	select {
	case l.run <- fn:
	case <-l.closing:
	}
}

// Schedule arranges for fn to run once, after d has elapsed, on the loop's
// own goroutine. The returned CancelFunc unschedules it.
func (l *Loop) Schedule(d time.Duration, fn func()) CancelFunc {
	j := &job{deadline: l.clock.Now().Add(d), fn: fn}
	var elem *list.Element
	// Registration is posted, not awaited, so Schedule can be called from a
	// callback already running on the loop goroutine. A later cancel is
	// posted after it, so the two run in order.
	l.Post(func() {
		elem = l.pending.PushBack(j)
		l.resetTimer()
	})
	return func() {
		l.Post(func() {
			if elem != nil && !j.fired {
				l.pending.Remove(elem)
				j.fired = true
				l.resetTimer()
			}
		})
	}
}

// Now returns the loop's current notion of time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

func (l *Loop) loop() {
	l.pending = list.New()
	l.timer = time.NewTimer(time.Hour)
	l.timer.Stop()
	defer close(l.closed)
	defer l.timer.Stop()

	for {
		select {
		case <-l.closing:
			return
		case fn := <-l.run:
			fn()
		case <-l.timer.C:
			l.fireDue()
			l.resetTimer()
		}
	}
}

func (l *Loop) resetTimer() {
	if l.timer == nil {
		l.timer = time.NewTimer(time.Hour)
		l.timer.Stop()
	}
	if !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
	front := l.pending.Front()
	if front == nil {
		return
	}
	earliest := front.Value.(*job).deadline
	for e := front.Next(); e != nil; e = e.Next() {
		j := e.Value.(*job)
		if j.deadline.Before(earliest) {
			earliest = j.deadline
		}
	}
	d := earliest.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	l.timer.Reset(d)
}

func (l *Loop) fireDue() {
	now := l.clock.Now()
	var next *list.Element
	for e := l.pending.Front(); e != nil; e = next {
		next = e.Next()
		j := e.Value.(*job)
		if j.fired {
			l.pending.Remove(e)
			continue
		}
		if now.Before(j.deadline) {
			continue
		}
		j.fired = true
		l.pending.Remove(e)
		j.fn()
	}
}
