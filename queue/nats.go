package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultAckWait is JetStream's own default
const DefaultAckWait = 30 * time.Second

// fetchWait bounds one pull request
var fetchWait = 5 * time.Second

type message struct {
	RunID uuid.UUID `json:"run_id"`
}

// NATS is a JetStream queue, shared between processes
type NATS struct {
	// Workers is the number of runs handled at the same time
	Workers int
	// AckWait before JetStream redelivers, handlers in progress extend it
	AckWait time.Duration

	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	durable string
}

// NewNATS connects and creates the stream if it is missing
func NewNATS(url, stream, subject, durable string, opts ...nats.Option) (*NATS, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	_, err = js.StreamInfo(stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
		})
	}
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(err, "stream %s", stream)
	}
	return &NATS{
		Workers: 1,
		AckWait: DefaultAckWait,
		conn:    nc,
		js:      js,
		subject: subject,
		durable: durable,
	}, nil
}

func (n *NATS) Enqueue(ctx context.Context, id uuid.UUID) error {
	data, err := json.Marshal(message{RunID: id})
	if err != nil {
		return err
	}
	_, err = n.js.Publish(n.subject, data, nats.Context(ctx))
	count("nats", err)
	return err
}

// Consume with a durable pull consumer and one fetch loop per worker.
// A failed handler gets its message redelivered.
func (n *NATS) Consume(ctx context.Context, h Handler) error {
	workers := n.Workers
	if workers < 1 {
		workers = 1
	}
	ackWait := n.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}
	sub, err := n.js.PullSubscribe(n.subject, n.durable,
		nats.ManualAck(), nats.AckExplicit(), nats.AckWait(ackWait), nats.MaxAckPending(workers))
	if err != nil {
		return err
	}
	log.WithField("subject", n.subject).WithField("durable", n.durable).
		WithField("workers", workers).Info("NATS queue consuming")

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			n.fetch(ctx, sub, w, ackWait, h)
			return nil
		})
	}
	g.Wait()
	return sub.Drain()
}

func (n *NATS) fetch(ctx context.Context, sub *nats.Subscription, worker int, ackWait time.Duration, h Handler) {
	l := log.WithField("worker", worker)
	for ctx.Err() == nil {
		ctxFetch, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := sub.Fetch(1, nats.Context(ctxFetch))
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			l.WithError(err).Warning("Fetch")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			n.handle(ctx, msg, l, ackWait, h)
		}
	}
}

func (n *NATS) handle(ctx context.Context, msg *nats.Msg, l *log.Entry, ackWait time.Duration, h Handler) {
	var m message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		l.WithError(err).WithField("data", string(msg.Data)).Error("Bad message")
		_ = msg.Term()
		return
	}
	l = l.WithField("run", m.RunID)
	stop := keepAlive(ackWait/2, func() error {
		return msg.InProgress()
	})
	err := h(ctx, m.RunID)
	stop()
	if err != nil {
		l.WithError(err).Warning("Nak")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// keepAlive calls beat every period, until stop returns
func keepAlive(period time.Duration, beat func() error) (stop func()) {
	if period <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := beat(); err != nil {
					log.WithError(err).Warning("Keep alive")
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		<-finished
	}
}

func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
