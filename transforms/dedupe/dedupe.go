// Package dedupe drops events whose canonical identity was already
// observed within a bounded window of recent events.
package dedupe

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tributary-io/tributary/event"
	"github.com/tributary-io/tributary/telemetry"
)

// CacheConfig bounds the identity cache.
type CacheConfig struct {
	NumEvents int `json:"num_events"`
}

// FieldsConfig selects which fields form an event's identity. Exactly
// one of Match or Ignore may be set; leaving both empty ignores the
// default fields ("message" and "timestamp").
type FieldsConfig struct {
	// Match computes identity from the listed paths only.
	Match []string `json:"match,omitempty"`
	// Ignore computes identity from all fields except the listed ones.
	Ignore []string `json:"ignore,omitempty"`
}

// Config configures a Dedupe transform.
type Config struct {
	Cache  CacheConfig   `json:"cache"`
	Fields *FieldsConfig `json:"fields,omitempty"`
}

// DefaultConfig caches 5000 events and ignores the fields every log
// carries by construction.
func DefaultConfig() Config {
	return Config{Cache: CacheConfig{NumEvents: 5000}}
}

// Dedupe is the built transform. It runs as a task transform: a
// stream-to-stream loop holding the identity cache.
type Dedupe struct {
	name  string
	cache *lru.Cache[string, struct{}]

	matchPaths   []event.Path
	ignoreFields map[string]struct{}
	ignoreMeta   map[string]struct{}
}

// New builds a Dedupe from |cfg|.
func New(name string, cfg Config) (*Dedupe, error) {
	if cfg.Cache.NumEvents <= 0 {
		return nil, fmt.Errorf("cache.num_events must be positive (got %d)", cfg.Cache.NumEvents)
	}
	if cfg.Fields != nil && len(cfg.Fields.Match) != 0 && len(cfg.Fields.Ignore) != 0 {
		return nil, fmt.Errorf("fields.match and fields.ignore are mutually exclusive")
	}

	var cache, err = lru.New[string, struct{}](cfg.Cache.NumEvents)
	if err != nil {
		return nil, err
	}
	var d = &Dedupe{name: name, cache: cache}

	switch {
	case cfg.Fields != nil && len(cfg.Fields.Match) != 0:
		for _, raw := range cfg.Fields.Match {
			var p, err = event.ParsePath(raw)
			if err != nil {
				return nil, fmt.Errorf("parsing match field: %w", err)
			}
			d.matchPaths = append(d.matchPaths, p)
		}

	case cfg.Fields != nil && len(cfg.Fields.Ignore) != 0:
		d.ignoreFields = make(map[string]struct{})
		d.ignoreMeta = make(map[string]struct{})
		for _, raw := range cfg.Fields.Ignore {
			// Metadata fields are ignored only when named with their
			// `%` prefix; they never join the default ignore set.
			if strings.HasPrefix(raw, "%") {
				d.ignoreMeta[raw[1:]] = struct{}{}
			} else {
				d.ignoreFields[raw] = struct{}{}
			}
		}

	default:
		d.ignoreFields = map[string]struct{}{
			event.MessageField:   {},
			event.TimestampField: {},
		}
		d.ignoreMeta = map[string]struct{}{}
	}
	return d, nil
}

// Run consumes |in|, forwarding the first event of each identity class
// and silently dropping repeats. A dropped event's finalizers follow it.
func (d *Dedupe) Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return nil
			}
			if !d.distinct(e) {
				e.Finalizers().Drop()
				telemetry.EventsDiscarded.WithLabelValues(d.name).Inc()
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// distinct inserts the event's identity, reporting whether it was new.
// Non-log events have no field identity and always pass.
func (d *Dedupe) distinct(e event.Event) bool {
	if e.Type() != event.TypeLog {
		return true
	}

	var key string
	if d.matchPaths != nil {
		key = matchIdentity(e.Log, d.matchPaths)
	} else {
		key = ignoreIdentity(e.Log, d.ignoreFields, d.ignoreMeta)
	}

	// Get refreshes recency for entries already present.
	if _, found := d.cache.Get(key); found {
		return false
	}
	d.cache.Add(key, struct{}{})
	return true
}
