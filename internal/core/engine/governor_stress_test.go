package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quotaServer is a single shared request quota. A sleeping governor stands in
// for the reset window elapsing, so sleeping refills the quota.
type quotaServer struct {
	mu        sync.Mutex
	limit     int
	remaining int
	rejected  int
	served    int
}

func (q *quotaServer) call() (map[string]string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining == 0 {
		q.rejected++
		return nil, false
	}
	q.remaining--
	q.served++
	return map[string]string{
		"x-ratelimit-limit-requests":     strconv.Itoa(q.limit),
		"x-ratelimit-remaining-requests": strconv.Itoa(q.remaining),
		"x-ratelimit-reset-requests":     "250ms",
	}, true
}

func (q *quotaServer) refill() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remaining = q.limit
}

func TestGovernorsShareQuotaWithoutRejections(t *testing.T) {
	const (
		workers   = 4
		perWorker = 600
	)

	server := &quotaServer{limit: 1000, remaining: 1000}
	var pauses atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		gov := NewGovernor(0.01, nil)
		gov.Worker = strconv.Itoa(w)
		gov.Sleep = func(ctx context.Context, d time.Duration) error {
			pauses.Add(1)
			server.refill()
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				headers, ok := server.call()
				if !ok {
					continue
				}
				gov.ObserveHeaders(context.Background(), headers)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, server.rejected)
	require.Equal(t, workers*perWorker, server.served)
	require.Positive(t, pauses.Load())
}

func TestSharedGovernorConcurrentObservations(t *testing.T) {
	gov := NewGovernor(0.01, nil)
	var slept atomic.Int64
	gov.Sleep = func(ctx context.Context, d time.Duration) error {
		slept.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				remaining := "500"
				if i%10 == 0 {
					remaining = "0"
				}
				gov.ObserveHeaders(context.Background(), map[string]string{
					"x-ratelimit-limit-requests":     "1000",
					"x-ratelimit-remaining-requests": remaining,
					"x-ratelimit-reset-requests":     "1ms",
				})
				assert.NoError(t, gov.Wait(context.Background()))
			}
		}(w)
	}
	wg.Wait()

	require.GreaterOrEqual(t, slept.Load(), int64(80))
	require.NotNil(t, gov.Last())
}
