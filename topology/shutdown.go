package topology

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultShutdownDeadline is how long a source has to finish
// cooperatively before its force tripwire fires.
const DefaultShutdownDeadline = 30 * time.Second

// SourceShutdownCoordinator hands every source a shutdown signal and a
// force tripwire, and drives both during topology shutdown: first the
// cooperative signal, then, past the deadline, the tripwire which
// abandons the source's task.
type SourceShutdownCoordinator struct {
	mu      sync.Mutex
	entries map[ComponentKey]*shutdownEntry
}

type shutdownEntry struct {
	signal   *Trigger
	force    *Trigger
	complete chan struct{}
}

func newShutdownCoordinator() *SourceShutdownCoordinator {
	return &SourceShutdownCoordinator{entries: map[ComponentKey]*shutdownEntry{}}
}

// Register creates the shutdown pair for source |key|.
func (c *SourceShutdownCoordinator) Register(key ComponentKey) (ShutdownSignal, Tripwire) {
	var signalTrigger, signalWire = NewTripwire()
	var forceTrigger, forceWire = NewTripwire()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &shutdownEntry{
		signal:   signalTrigger,
		force:    forceTrigger,
		complete: make(chan struct{}),
	}
	return ShutdownSignal{ch: signalWire}, forceWire
}

// MarkComplete records that source |key| has finished.
func (c *SourceShutdownCoordinator) MarkComplete(key ComponentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry := c.entries[key]; entry != nil {
		close(entry.complete)
		delete(c.entries, key)
	}
}

// absorb shares every registration of |other| with this coordinator.
// Entries stay visible to |other| as well: source tasks built against
// it mark completion there, and the shared entry observes it here.
func (c *SourceShutdownCoordinator) absorb(other *SourceShutdownCoordinator) {
	other.mu.Lock()
	var entries = make(map[ComponentKey]*shutdownEntry, len(other.entries))
	for key, entry := range other.entries {
		entries[key] = entry
	}
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range entries {
		c.entries[key] = entry
	}
}

func (c *SourceShutdownCoordinator) snapshot() map[ComponentKey]*shutdownEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries = make(map[ComponentKey]*shutdownEntry, len(c.entries))
	for key, entry := range c.entries {
		entries[key] = entry
	}
	return entries
}

// ShutdownSource signals and force-cancels a single source, used when
// a reload removes it. It blocks until the source completes or, past
// the deadline, until its force-cancelled task is abandoned.
func (c *SourceShutdownCoordinator) ShutdownSource(key ComponentKey, deadline time.Duration) {
	c.mu.Lock()
	var entry = c.entries[key]
	c.mu.Unlock()

	if entry == nil {
		return
	}
	entry.signal.Trip()
	select {
	case <-entry.complete:
	case <-time.After(deadline):
		log.WithField("source", key).Warn("source failed to shut down before deadline; force-cancelling")
		entry.force.Trip()
		<-entry.complete
	}
}

// ShutdownAll signals every source, force-cancelling those which have
// not completed by the deadline, and waits for all to finish.
func (c *SourceShutdownCoordinator) ShutdownAll(deadline time.Duration) {
	var entries = c.snapshot()
	for _, entry := range entries {
		entry.signal.Trip()
	}

	var timer = time.NewTimer(deadline)
	defer timer.Stop()

	var remaining = entries
	for key, entry := range remaining {
		select {
		case <-entry.complete:
			delete(remaining, key)
		case <-timer.C:
			// Deadline reached: force-cancel everything still running.
			for k, e := range remaining {
				select {
				case <-e.complete:
				default:
					log.WithField("source", k).Warn("source failed to shut down before deadline; force-cancelling")
					e.force.Trip()
				}
			}
			for _, e := range remaining {
				<-e.complete
			}
			return
		}
	}
}
