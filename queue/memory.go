package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type item struct {
	id      uuid.UUID
	attempt int
}

// Memory is an in process queue, drained by a pool of workers.
// Items are lost when the process dies, Recover re-enqueues their runs.
type Memory struct {
	Workers  int
	Attempts int
	Backoff  time.Duration

	lock     sync.Mutex
	pending  []item
	wakeup   *signal
	inflight sync.WaitGroup
}

// NewMemory returns a queue with one worker and three attempts
func NewMemory() *Memory {
	return &Memory{
		Workers:  1,
		Attempts: 3,
		Backoff:  time.Second,
		pending:  make([]item, 0),
		wakeup:   newSignal(),
	}
}

// Enqueue never blocks
func (m *Memory) Enqueue(ctx context.Context, id uuid.UUID) error {
	m.push(item{id: id})
	count("memory", nil)
	return nil
}

func (m *Memory) push(i item) {
	m.inflight.Add(1)
	m.lock.Lock()
	m.pending = append(m.pending, i)
	m.lock.Unlock()
	m.wakeup.Ping()
}

func (m *Memory) pop() (item, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.pending) == 0 {
		return item{}, false
	}
	i := m.pending[0]
	m.pending = m.pending[1:]
	if len(m.pending) > 0 {
		// wake up another worker
		m.wakeup.Ping()
	}
	return i, true
}

// Consume starts the workers and blocks until ctx is done and they are all stopped
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	workers := m.Workers
	if workers < 1 {
		workers = 1
	}
	wg := sync.WaitGroup{}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			m.work(ctx, w, h)
		}(w)
	}
	log.WithField("workers", workers).Info("Memory queue consuming")
	wg.Wait()
	return nil
}

func (m *Memory) work(ctx context.Context, worker int, h Handler) {
	for {
		// pending items stay for the next process, through recovery
		if ctx.Err() != nil {
			return
		}
		i, ok := m.pop()
		if !ok {
			select {
			case <-m.wakeup.Wait():
				continue
			case <-ctx.Done():
				return
			}
		}
		l := log.WithField("run", i.id).WithField("worker", worker).WithField("attempt", i.attempt+1)
		err := h(ctx, i.id)
		if err == nil {
			m.inflight.Done()
			continue
		}
		l = l.WithError(err)
		if i.attempt+1 >= m.Attempts || ctx.Err() != nil {
			l.Error("Giving up")
			m.inflight.Done()
			continue
		}
		delay := m.Backoff * time.Duration(i.attempt+1)
		l.WithField("delay", delay).Warning("Retrying")
		retry := item{id: i.id, attempt: i.attempt + 1}
		time.AfterFunc(delay, func() {
			m.lock.Lock()
			m.pending = append(m.pending, retry)
			m.lock.Unlock()
			m.wakeup.Ping()
		})
	}
}

// Len is the number of pending items
func (m *Memory) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.pending)
}

// Wait until every enqueued item is handled or given up
func (m *Memory) Wait() {
	m.inflight.Wait()
}

func (m *Memory) Close() error {
	return nil
}
