package task

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// SliceEnumerator walks an in memory slice, the cursor is the next index
type SliceEnumerator struct {
	values []interface{}
	next   int
}

// NewSliceEnumerator starts after cursor
func NewSliceEnumerator(values []interface{}, cursor *string) (*SliceEnumerator, error) {
	start := 0
	if cursor != nil && *cursor != "" {
		var err error
		start, err = strconv.Atoi(*cursor)
		if err != nil {
			return nil, errors.Wrapf(err, "bad cursor %q", *cursor)
		}
		if start < 0 {
			return nil, errors.Errorf("negative cursor %d", start)
		}
	}
	return &SliceEnumerator{
		values: values,
		next:   start,
	}, nil
}

// Next implements Enumerator
func (s *SliceEnumerator) Next(ctx context.Context) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	if s.next >= len(s.values) {
		return Item{}, false, nil
	}
	item := Item{
		Value:  s.values[s.next],
		Cursor: strconv.Itoa(s.next + 1),
	}
	s.next++
	return item, true, nil
}
