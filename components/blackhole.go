package components

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tributary-io/tributary/buffer"
	"github.com/tributary-io/tributary/driver"
	"github.com/tributary-io/tributary/event"
	"github.com/tributary-io/tributary/topology"
)

// BlackholeConfig discards events after a simulated request, counting
// what it swallows. It drives deliveries through the standard sink
// driver, so acknowledgements flow back to the buffer in input order.
type BlackholeConfig struct {
	// BatchSize bounds events per simulated request.
	BatchSize int `json:"batch_size"`
	// Concurrency bounds in-flight requests.
	Concurrency int64 `json:"concurrency"`
	// RatePerSec optionally throttles requests; zero means unlimited.
	RatePerSec float64 `json:"rate_per_sec"`
}

func init() {
	RegisterSink("blackhole", func(raw json.RawMessage) (topology.SinkConfig, error) {
		var cfg = BlackholeConfig{BatchSize: 16, Concurrency: 4}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

func (BlackholeConfig) SinkType() string             { return "blackhole" }
func (BlackholeConfig) InputType() topology.DataType { return topology.DataTypeAny }

func (c BlackholeConfig) Build(ctx topology.SinkContext) (topology.Sink, topology.Healthcheck, error) {
	var svc driver.Service = &blackholeService{}
	if c.Concurrency > 0 {
		svc = driver.ConcurrencyLimit(svc, c.Concurrency)
	}
	if c.RatePerSec > 0 {
		svc = driver.RateLimit(svc, rate.Limit(c.RatePerSec), 1)
	}
	return &blackholeSink{cfg: c, svc: svc, acker: ctx.Acker, key: ctx.Key}, nil, nil
}

// batchRequest coalesces the finalizers of its events into one
// request-level collection.
type batchRequest struct {
	count int
	fins  event.Finalizers
}

func (r *batchRequest) AckSize() int { return r.count }
func (r *batchRequest) TakeFinalizers() event.Finalizers {
	return r.fins.Take()
}

type blackholeResponse struct{}

func (blackholeResponse) EventStatus() event.EventStatus { return event.StatusDelivered }

type blackholeService struct {
	swallowed atomic.Int64
}

func (s *blackholeService) Ready(context.Context) error { return nil }

func (s *blackholeService) Call(_ context.Context, req driver.Request) (driver.Response, error) {
	s.swallowed.Add(int64(req.AckSize()))
	return blackholeResponse{}, nil
}

type blackholeSink struct {
	cfg   BlackholeConfig
	svc   driver.Service
	acker buffer.Acker
	key   topology.ComponentKey
}

func (s *blackholeSink) Run(ctx context.Context, in buffer.Receiver) error {
	var requests = make(chan driver.Request, 16)
	var d = &driver.Driver{Input: requests, Service: s.svc, Acker: s.acker}

	var driverDone = make(chan error, 1)
	go func() { driverDone <- d.Run(ctx) }()

	var reported = time.Now()
	var total int64
	var err = s.batchLoop(ctx, in, requests, &total, &reported)

	close(requests)
	if derr := <-driverDone; err == nil {
		err = derr
	}

	log.WithFields(log.Fields{"sink": s.key, "events": total}).Debug("blackhole swallowed events")
	return err
}

func (s *blackholeSink) batchLoop(
	ctx context.Context,
	in buffer.Receiver,
	requests chan<- driver.Request,
	total *int64,
	reported *time.Time,
) error {
	for {
		var e, err = in.Next(ctx)
		if err == io.EOF {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Coalesce a batch: the first event blocks, the rest are taken
		// only if already buffered.
		var req = &batchRequest{count: 1, fins: e.TakeFinalizers()}
		for req.count < s.cfg.BatchSize {
			var more, merr = tryNext(ctx, in)
			if merr != nil || more == nil {
				break
			}
			req.fins.Merge(more.TakeFinalizers())
			req.count++
		}

		*total += int64(req.count)
		if now := time.Now(); now.Sub(*reported) >= 10*time.Second {
			log.WithFields(log.Fields{"sink": s.key, "events": *total}).Info("blackhole progress")
			*reported = now
		}

		select {
		case requests <- req:
		case <-ctx.Done():
			req.fins.Drop()
			return nil
		}
	}
}

// tryNext polls the receiver without blocking longer than a tick.
func tryNext(ctx context.Context, in buffer.Receiver) (*event.Event, error) {
	var tctx, cancel = context.WithTimeout(ctx, time.Millisecond)
	defer cancel()

	var e, err = in.Next(tctx)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
