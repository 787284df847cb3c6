package driver

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/event"
)

type delayRequest int

func (r delayRequest) AckSize() int                     { return int(r) }
func (r delayRequest) TakeFinalizers() event.Finalizers { return event.Finalizers{} }

type delayResponse struct{}

func (delayResponse) EventStatus() event.EventStatus { return event.StatusDelivered }

// delayService sleeps a bounded random time per call, so responses
// complete out of order relative to their submission.
type delayService struct {
	mu               sync.Mutex
	rng              *rand.Rand
	lowerUs, upperUs int64
}

func newDelayService(lower, upper time.Duration) *delayService {
	return &delayService{
		rng:     rand.New(rand.NewSource(314159)),
		lowerUs: lower.Microseconds(),
		upperUs: upper.Microseconds(),
	}
}

func (s *delayService) Ready(context.Context) error { return nil }

func (s *delayService) Call(ctx context.Context, _ Request) (Response, error) {
	s.mu.Lock()
	var us = s.lowerUs + s.rng.Int63n(s.upperUs-s.lowerUs)
	s.mu.Unlock()
	select {
	case <-time.After(time.Duration(us) * time.Microsecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return delayResponse{}, nil
}

type countingAcker struct {
	total atomic.Int64
}

func (a *countingAcker) Ack(n int) { a.total.Add(int64(n)) }

func TestAckTrackerSimple(t *testing.T) {
	var tracker ackTracker

	require.Equal(t, 0, tracker.latestAckDepth())

	var seq1 = tracker.nextSeqNum()
	tracker.markSeqNumComplete(seq1, 42)

	require.Equal(t, 42, tracker.latestAckDepth())
	require.Equal(t, 0, tracker.latestAckDepth())

	var seq2 = tracker.nextSeqNum()
	var seq3 = tracker.nextSeqNum()
	tracker.markSeqNumComplete(seq3, 314)
	require.Equal(t, 0, tracker.latestAckDepth())

	tracker.markSeqNumComplete(seq2, 86)
	require.Equal(t, 400, tracker.latestAckDepth())
}

func TestAckTrackerShuffledGauntlet(t *testing.T) {
	var rng = rand.New(rand.NewSource(42))

	for round := 0; round < 10; round++ {
		var tracker ackTracker
		var n = 1 + rng.Intn(1000)

		var order = make([]uint64, n)
		var expected int
		for i := range order {
			order[i] = tracker.nextSeqNum()
			expected += int(order[i])
		}
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })

		// Complete in shuffled order with variable batch sizes,
		// using the sequence number as its own ack size.
		var total int
		for len(order) != 0 {
			var batch = 1 + rng.Intn(100)
			if batch > len(order) {
				batch = len(order)
			}
			for _, seqNum := range order[:batch] {
				tracker.markSeqNumComplete(seqNum, int(seqNum))
			}
			order = order[batch:]
			total += tracker.latestAckDepth()
		}
		require.Equal(t, expected, total)
	}
}

func TestAckTrackerPanicsOnUnissuedSeqNum(t *testing.T) {
	var tracker ackTracker
	require.Panics(t, func() { tracker.markSeqNumComplete(0, 1) })
}

func TestDriverSimple(t *testing.T) {
	// Feed 2048 monotonically increasing integers through a service
	// with bounded random delays and concurrency 10. The final acked
	// count is the sum of the payloads, and acks arrive in order.
	var input = make(chan Request, 2048)
	var expected int
	for i := 0; i < 2048; i++ {
		input <- delayRequest(i)
		expected += i
	}
	close(input)

	var acker countingAcker
	var driver = &Driver{
		Input:   input,
		Service: ConcurrencyLimit(newDelayService(100*time.Microsecond, 2*time.Millisecond), 10),
		Acker:   &acker,
	}
	require.NoError(t, driver.Run(context.Background()))
	require.Equal(t, int64(expected), acker.total.Load())
}

func TestDriverAppliesResponseStatusToFinalizers(t *testing.T) {
	var batch, ch = event.NewBatchNotifier()
	var e = event.Event{Log: event.NewLog("req")}
	e.AddBatchNotifier(batch)
	batch.Close()

	var input = make(chan Request, 1)
	input <- &finalizedRequest{fins: e.TakeFinalizers(), status: event.StatusRejected}
	close(input)

	var acker countingAcker
	var driver = &Driver{Input: input, Service: &statusService{}, Acker: &acker}
	require.NoError(t, driver.Run(context.Background()))

	require.Equal(t, event.BatchRejected, <-ch)
	require.Equal(t, int64(1), acker.total.Load())
}

type finalizedRequest struct {
	fins   event.Finalizers
	status event.EventStatus
}

func (r *finalizedRequest) AckSize() int { return 1 }
func (r *finalizedRequest) TakeFinalizers() event.Finalizers {
	return r.fins.Take()
}

type statusService struct{}

func (*statusService) Ready(context.Context) error { return nil }
func (s *statusService) Call(_ context.Context, req Request) (Response, error) {
	return statusResponse{status: req.(*finalizedRequest).status}, nil
}

type statusResponse struct{ status event.EventStatus }

func (r statusResponse) EventStatus() event.EventStatus { return r.status }

func TestRateLimitAdmitsSlowly(t *testing.T) {
	var input = make(chan Request, 8)
	for i := 0; i < 8; i++ {
		input <- delayRequest(1)
	}
	close(input)

	var acker countingAcker
	var driver = &Driver{
		Input:   input,
		Service: RateLimit(&statuslessService{}, 1000, 1),
		Acker:   &acker,
	}
	var start = time.Now()
	require.NoError(t, driver.Run(context.Background()))
	require.Equal(t, int64(8), acker.total.Load())

	// 8 requests at 1000/s with burst 1 take at least ~7ms.
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

type statuslessService struct{}

func (*statuslessService) Ready(context.Context) error { return nil }
func (*statuslessService) Call(context.Context, Request) (Response, error) {
	return delayResponse{}, nil
}
