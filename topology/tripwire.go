package topology

import "sync"

// Tripwire selects when its Trigger fires. It composes with a task's
// body as a biased race: resolution of the tripwire cancels the body.
type Tripwire <-chan struct{}

// Trigger fires a Tripwire at most once. Discarding an untripped
// Trigger leaves its Tripwire pending forever.
type Trigger struct {
	once sync.Once
	ch   chan struct{}
}

// NewTripwire returns a connected Trigger and Tripwire pair.
func NewTripwire() (*Trigger, Tripwire) {
	var ch = make(chan struct{})
	return &Trigger{ch: ch}, Tripwire(ch)
}

// Trip fires the tripwire. It is idempotent.
func (t *Trigger) Trip() { t.once.Do(func() { close(t.ch) }) }

// Fired reports whether the tripwire has fired.
func (w Tripwire) Fired() bool {
	select {
	case <-w:
		return true
	default:
		return false
	}
}
