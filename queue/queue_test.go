package queue

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	s := newSignal()
	assert.True(t, s.Ping())
	assert.False(t, s.Ping())
	assert.False(t, s.Ping())
	select {
	case <-s.Wait():
	case <-time.After(time.Second):
		t.Fatal("no wake up")
	}
	assert.True(t, s.Ping())
}

type recorder struct {
	lock  sync.Mutex
	calls map[uuid.UUID]int
	fail  map[uuid.UUID]int
}

func newRecorder() *recorder {
	return &recorder{
		calls: make(map[uuid.UUID]int),
		fail:  make(map[uuid.UUID]int),
	}
}

func (r *recorder) handle(ctx context.Context, id uuid.UUID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls[id]++
	if r.calls[id] <= r.fail[id] {
		return errors.New("not yet")
	}
	return nil
}

func (r *recorder) count(id uuid.UUID) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.calls[id]
}

func TestMemory(t *testing.T) {
	q := NewMemory()
	q.Workers = 4
	rec := newRecorder()
	ids := make([]uuid.UUID, 50)
	ctx := context.Background()
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, q.Enqueue(ctx, ids[i]))
	}
	assert.Equal(t, 50, q.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan interface{})
	go func() {
		assert.NoError(t, q.Consume(ctx, rec.handle))
		close(done)
	}()
	q.Wait()
	for _, id := range ids {
		assert.Equal(t, 1, rec.count(id))
	}
	assert.Equal(t, 0, q.Len())

	// enqueued while consuming
	id := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), id))
	q.Wait()
	assert.Equal(t, 1, rec.count(id))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers still running")
	}
}

func TestMemoryRetries(t *testing.T) {
	q := NewMemory()
	q.Backoff = time.Millisecond
	q.Attempts = 3
	rec := newRecorder()
	flaky := uuid.New()
	broken := uuid.New()
	rec.fail[flaky] = 2
	rec.fail[broken] = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, rec.handle)

	require.NoError(t, q.Enqueue(ctx, flaky))
	require.NoError(t, q.Enqueue(ctx, broken))
	q.Wait()
	assert.Equal(t, 3, rec.count(flaky))
	assert.Equal(t, 3, rec.count(broken), "gives up after three attempts")
}

func TestMemoryStopped(t *testing.T) {
	q := NewMemory()
	q.Workers = 2
	rec := newRecorder()
	id := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), id))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, q.Consume(ctx, rec.handle))
	assert.Equal(t, 0, rec.count(id), "nothing is handled with a cancelled context")
	assert.Equal(t, 1, q.Len())
}

func TestKeepAlive(t *testing.T) {
	var beats int64
	stop := keepAlive(5*time.Millisecond, func() error {
		atomic.AddInt64(&beats, 1)
		return nil
	})
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&beats) >= 3
	}, time.Second, time.Millisecond)
	stop()
	after := atomic.LoadInt64(&beats)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&beats), "no beat after stop")

	keepAlive(0, func() error {
		t.Error("disabled")
		return nil
	})()
}

func TestInline(t *testing.T) {
	ctx := context.Background()
	q := NewInline(nil)
	assert.Error(t, q.Enqueue(ctx, uuid.New()))

	rec := newRecorder()
	q = NewInline(rec.handle)
	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id))
	assert.Equal(t, 1, rec.count(id))

	rec.fail[id] = 10
	assert.Error(t, q.Enqueue(ctx, id))
	assert.Equal(t, 2, rec.count(id))
}

func TestNATS(t *testing.T) {
	url := os.Getenv("MAINTENANCE_TEST_NATS_URL")
	if url == "" {
		t.Skip("MAINTENANCE_TEST_NATS_URL is not set")
	}
	suffix := uuid.New().String()[:8]
	q, err := NewNATS(url, "MAINTENANCE_TEST_"+suffix, "maintenance.test."+suffix, "workers-"+suffix)
	require.NoError(t, err)
	defer q.Close()

	rec := newRecorder()
	flaky := uuid.New()
	rec.fail[flaky] = 1
	ok := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, rec.handle)

	require.NoError(t, q.Enqueue(ctx, ok))
	require.NoError(t, q.Enqueue(ctx, flaky))

	assert.Eventually(t, func() bool {
		return rec.count(ok) == 1 && rec.count(flaky) == 2
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNATSWorkers(t *testing.T) {
	url := os.Getenv("MAINTENANCE_TEST_NATS_URL")
	if url == "" {
		t.Skip("MAINTENANCE_TEST_NATS_URL is not set")
	}
	suffix := uuid.New().String()[:8]
	q, err := NewNATS(url, "MAINTENANCE_TEST_"+suffix, "maintenance.test."+suffix, "workers-"+suffix)
	require.NoError(t, err)
	defer q.Close()
	q.Workers = 3
	q.AckWait = time.Second

	var running, most int64
	rec := newRecorder()
	slow := func(ctx context.Context, id uuid.UUID) error {
		n := atomic.AddInt64(&running, 1)
		for {
			m := atomic.LoadInt64(&most)
			if n <= m || atomic.CompareAndSwapInt64(&most, m, n) {
				break
			}
		}
		// longer than AckWait, in progress keeps it from redelivery
		time.Sleep(1500 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return rec.handle(ctx, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, slow)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	assert.Eventually(t, func() bool {
		for _, id := range ids {
			if rec.count(id) == 0 {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(3), atomic.LoadInt64(&most))
	time.Sleep(time.Second)
	for _, id := range ids {
		assert.Equal(t, 1, rec.count(id), "not redelivered")
	}
}
