package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Inline runs the handler inside Enqueue
type Inline struct {
	lock    sync.RWMutex
	handler Handler
}

func NewInline(h Handler) *Inline {
	return &Inline{handler: h}
}

// Enqueue returns the handler error
func (i *Inline) Enqueue(ctx context.Context, id uuid.UUID) error {
	i.lock.RLock()
	h := i.handler
	i.lock.RUnlock()
	if h == nil {
		err := errors.New("inline queue without handler")
		count("inline", err)
		return err
	}
	err := h(ctx, id)
	count("inline", err)
	return err
}

// Consume replaces the handler, until ctx is done
func (i *Inline) Consume(ctx context.Context, h Handler) error {
	i.lock.Lock()
	i.handler = h
	i.lock.Unlock()
	<-ctx.Done()
	return nil
}

func (i *Inline) Close() error {
	return nil
}
