// Package queue delivers run ids to executors, at least once.
package queue

import (
	"context"

	"github.com/factorysh/maintenance/metrics"
	"github.com/google/uuid"
)

// Handler executes the run with this id. An error asks for a redelivery.
type Handler func(ctx context.Context, id uuid.UUID) error

// Queue is the job queue collaborator: run this later, at least once
type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	// Consume hands items to h until ctx is done
	Consume(ctx context.Context, h Handler) error
	Close() error
}

func count(driver string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Enqueued.WithLabelValues(driver, result).Inc()
}
