package pubsub

import (
	"context"
	"sync"

	"github.com/factorysh/maintenance/metrics"
	"github.com/factorysh/maintenance/run"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Buffer is the size of each subscriber chan
const Buffer = 64

// Event is a run status change
type Event struct {
	Status string    `json:"status"`
	Id     uuid.UUID `json:"id"`
	Task   string    `json:"task"`
}

type PubSub struct {
	lock        *sync.Mutex
	cpt         uint64
	subscribers map[uint64]chan Event
	wg          *sync.WaitGroup
}

func NewPubSub() *PubSub {
	return &PubSub{
		lock:        &sync.Mutex{},
		cpt:         0,
		subscribers: make(map[uint64]chan Event),
		wg:          &sync.WaitGroup{},
	}
}

// Subscribe to events, until ctx is done
func (p *PubSub) Subscribe(ctx context.Context) <-chan Event {
	p.lock.Lock()
	id := p.cpt
	p.cpt++
	events := make(chan Event, Buffer)
	p.subscribers[id] = events
	p.wg.Add(1)
	size := len(p.subscribers)
	p.lock.Unlock()
	go func(id uint64) {
		<-ctx.Done() // closing the subscription
		p.lock.Lock()
		delete(p.subscribers, id)
		p.wg.Done()
		p.lock.Unlock()
		log.WithField("id", id).Debug("Closing subscription")
	}(id)
	log.WithField("id", id).WithField("subscribers", size).Debug("Opening subscription")
	return events
}

// Publish never blocks, a slow subscriber misses events
func (p *PubSub) Publish(evt Event) {
	p.lock.Lock()
	defer p.lock.Unlock()
	l := log.WithField("event", evt).WithField("subscribers", len(p.subscribers))
	l.Debug("publish")
	for id, c := range p.subscribers {
		select {
		case c <- evt:
		default:
			l.WithField("id", id).Warning("Subscriber is full, dropping event")
		}
	}
}

// Transition tells everybody a run has a new status. p may be nil.
func (p *PubSub) Transition(r *run.Run) {
	metrics.Transitions.WithLabelValues(r.TaskName, string(r.Status)).Inc()
	log.WithField("run", r.ID).WithField("task", r.TaskName).
		WithField("status", r.Status).Info("Transition")
	if p == nil {
		return
	}
	p.Publish(Event{
		Status: string(r.Status),
		Id:     r.ID,
		Task:   r.TaskName,
	})
}

func (p *PubSub) Length() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.subscribers)
}

func (p *PubSub) Wait() {
	p.wg.Wait()
}
