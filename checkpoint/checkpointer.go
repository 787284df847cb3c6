package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	tmpFileName = "checkpoints.new.json"
	// StableFileName is the durable checkpoint file within a data dir.
	StableFileName = "checkpoints.json"

	// stateVersion tags the persisted file format. Incompatible layout
	// changes require a new version, handled wherever this format is
	// read.
	stateVersion = "1"

	// removalGracePeriod is how long a dead checkpoint survives before
	// expiration drops it.
	removalGracePeriod = 60 * time.Second
)

// Position is a byte offset within an ingested file.
type Position = int64

// Checkpoint is the persisted (fingerprint, position, modified) triple.
type Checkpoint struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Position    Position    `json:"position"`
	Modified    time.Time   `json:"modified"`
}

type state struct {
	Version     string       `json:"version"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// View is the shared in-memory checkpoint state, safe for concurrent
// readers and writers.
type View struct {
	mu        sync.Mutex
	positions map[Fingerprint]Position
	modified  map[Fingerprint]time.Time
	removed   map[Fingerprint]time.Time
}

// NewView returns an empty View.
func NewView() *View {
	return &View{
		positions: make(map[Fingerprint]Position),
		modified:  make(map[Fingerprint]time.Time),
		removed:   make(map[Fingerprint]time.Time),
	}
}

// Update sets the position of |fng|, stamps its modified time, and
// clears any pending removal.
func (v *View) Update(fng Fingerprint, pos Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[fng] = pos
	v.modified[fng] = time.Now().UTC()
	delete(v.removed, fng)
}

// Get returns the checkpointed position of |fng|.
func (v *View) Get(fng Fingerprint) (Position, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var pos, ok = v.positions[fng]
	return pos, ok
}

// SetDead stamps |fng| for removal after the grace period.
func (v *View) SetDead(fng Fingerprint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed[fng] = time.Now().UTC()
}

// UpdateKey atomically migrates all state of |old| to |new|, used when
// a watcher upgrades a file's fingerprint strategy.
func (v *View) UpdateKey(old, new Fingerprint) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pos, ok := v.positions[old]; ok {
		delete(v.positions, old)
		v.positions[new] = pos
	}
	if ts, ok := v.modified[old]; ok {
		delete(v.modified, old)
		v.modified[new] = ts
	}
	if ts, ok := v.removed[old]; ok {
		delete(v.removed, old)
		v.removed[new] = ts
	}
}

// RemoveExpired drops entries whose removal stamp is older than the
// grace period. Expired keys are collected first and deleted second,
// to keep the iteration free of concurrent mutation.
func (v *View) RemoveExpired() {
	v.mu.Lock()
	defer v.mu.Unlock()

	var now = time.Now().UTC()
	var expired []Fingerprint
	for fng, ts := range v.removed {
		if now.Sub(ts) >= removalGracePeriod {
			expired = append(expired, fng)
		}
	}
	for _, fng := range expired {
		delete(v.positions, fng)
		delete(v.modified, fng)
		delete(v.removed, fng)
	}
}

// Len returns the number of live checkpoints.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.positions)
}

func (v *View) load(c Checkpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[c.Fingerprint] = c.Position
	v.modified[c.Fingerprint] = c.Modified
}

func (v *View) setState(s state, ignoreBefore time.Time) {
	for _, c := range s.Checkpoints {
		if !ignoreBefore.IsZero() && c.Modified.Before(ignoreBefore) {
			continue
		}
		v.load(c)
	}
}

func (v *View) getState() state {
	v.mu.Lock()
	defer v.mu.Unlock()

	var s = state{Version: stateVersion, Checkpoints: make([]Checkpoint, 0, len(v.positions))}
	for fng, pos := range v.positions {
		var modified, ok = v.modified[fng]
		if !ok {
			modified = time.Now().UTC()
		}
		s.Checkpoints = append(s.Checkpoints, Checkpoint{
			Fingerprint: fng,
			Position:    pos,
			Modified:    modified,
		})
	}
	sort.Slice(s.Checkpoints, func(i, j int) bool {
		return s.Checkpoints[i].Fingerprint.Less(s.Checkpoints[j].Fingerprint)
	})
	return s
}

// Checkpointer persists a View to disk, atomically and only when its
// state has changed since the last persisted state.
type Checkpointer struct {
	tmpFilePath    string
	stableFilePath string
	view           *View

	mu   sync.Mutex
	last *state
}

// NewCheckpointer returns a Checkpointer persisting under |dataDir|.
func NewCheckpointer(dataDir string) *Checkpointer {
	return &Checkpointer{
		tmpFilePath:    filepath.Join(dataDir, tmpFileName),
		stableFilePath: filepath.Join(dataDir, StableFileName),
		view:           NewView(),
	}
}

// View returns the shared in-memory checkpoint state.
func (c *Checkpointer) View() *View { return c.view }

// WriteCheckpoints expires dead entries and, if the state differs from
// the last persisted state, writes it to a temp file, syncs it, and
// renames it over the stable file. It returns the live checkpoint count.
func (c *Checkpointer) WriteCheckpoints() (int, error) {
	c.view.RemoveExpired()
	var current = c.view.getState()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && reflect.DeepEqual(*c.last, current) {
		return len(current.Checkpoints), nil
	}

	var f, err = os.Create(c.tmpFilePath)
	if err != nil {
		return 0, fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	if err = json.NewEncoder(f).Encode(current); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("encoding checkpoints: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("syncing checkpoint temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, fmt.Errorf("closing checkpoint temp file: %w", err)
	}

	// With the temp file fully flushed, the rename atomically replaces
	// the stable file: at least one valid file exists at all times.
	if err = os.Rename(c.tmpFilePath, c.stableFilePath); err != nil {
		return 0, fmt.Errorf("renaming checkpoint file into place: %w", err)
	}

	c.last = &current
	return len(current.Checkpoints), nil
}

// ReadCheckpoints loads persisted checkpoints into the view. The temp
// file is preferred when present: it is the more recent output of an
// interrupted write. Entries modified before |ignoreBefore| (when
// non-zero) are skipped. Missing files are not an error.
func (c *Checkpointer) ReadCheckpoints(ignoreBefore time.Time) {
	var s, err = readStateFile(c.tmpFilePath)
	if err == nil {
		log.Warn("recovered checkpoint data from interrupted process")
		c.view.setState(s, ignoreBefore)

		// Move the recovered file into the stable location so the next
		// persist does not clobber it first.
		if err = os.Rename(c.tmpFilePath, c.stableFilePath); err != nil {
			log.WithField("err", err).Warn("failed to persist recovered checkpoint file")
		}
		return
	} else if !os.IsNotExist(err) {
		log.WithField("err", err).Error("unable to recover checkpoint data from interrupted process")
	}

	s, err = readStateFile(c.stableFilePath)
	if err == nil {
		log.WithField("checkpoints", len(s.Checkpoints)).Info("loaded checkpoint data")
		c.view.setState(s, ignoreBefore)
	} else if !os.IsNotExist(err) {
		log.WithField("err", err).Warn("unable to load checkpoint data")
	}
}

func readStateFile(path string) (state, error) {
	var s state

	var data, err = os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err = json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decoding checkpoint file %q: %w", path, err)
	}
	if s.Version != stateVersion {
		return s, fmt.Errorf("unsupported checkpoint file version %q", s.Version)
	}
	return s, nil
}
