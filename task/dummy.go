package task

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DummyName is the registered name of DummyTask
const DummyName = "dummy"

func init() {
	Register(Definition{
		Name:        DummyName,
		Description: "Counts items, slowly. Used for tests and illustration purpose",
		Parameters:  []string{"items", "wait", "fail_at"},
		New: func(args map[string]string) (Task, error) {
			return DummyFromArguments(args)
		},
	})
}

// DummyTask is the most basic task
type DummyTask struct {
	Items   int           `json:"items"`
	Wait    time.Duration `json:"wait"`
	FailAt  int           `json:"fail_at"` // 1-based, 0 never fails
	Counter int64         `json:"counter"`
	// Hook is called before each item, if set
	Hook func(ctx context.Context, index int)
}

// DummyFromArguments parses run arguments
func DummyFromArguments(args map[string]string) (*DummyTask, error) {
	d := &DummyTask{Items: 10}
	if raw, ok := args["items"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "items")
		}
		d.Items = n
	}
	if raw, ok := args["wait"]; ok {
		w, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrap(err, "wait")
		}
		d.Wait = w
	}
	if raw, ok := args["fail_at"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "fail_at")
		}
		d.FailAt = n
	}
	return d, nil
}

// Count implements Counter
func (d *DummyTask) Count(ctx context.Context) (int64, error) {
	return int64(d.Items), nil
}

// Collection implements Task
func (d *DummyTask) Collection(ctx context.Context, cursor *string) (Enumerator, error) {
	values := make([]interface{}, d.Items)
	for i := range values {
		values[i] = i + 1
	}
	return NewSliceEnumerator(values, cursor)
}

// Process implements Task
func (d *DummyTask) Process(ctx context.Context, item Item) error {
	index := item.Value.(int)
	if d.Hook != nil {
		d.Hook(ctx, index)
	}
	if d.Wait > 0 {
		select {
		case <-time.After(d.Wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.FailAt > 0 && index == d.FailAt {
		return errors.Errorf("dummy failure at item %d", index)
	}
	atomic.AddInt64(&d.Counter, 1)
	return nil
}
