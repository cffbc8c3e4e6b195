package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, e Enumerator) []Item {
	items := make([]Item, 0)
	for {
		item, ok, err := e.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

func TestSliceEnumerator(t *testing.T) {
	e, err := NewSliceEnumerator([]interface{}{"a", "b", "c"}, nil)
	require.NoError(t, err)
	items := drain(t, e)
	assert.Len(t, items, 3)
	assert.Equal(t, "a", items[0].Value)
	assert.Equal(t, "3", items[2].Cursor)

	cursor := items[0].Cursor
	e, err = NewSliceEnumerator([]interface{}{"a", "b", "c"}, &cursor)
	require.NoError(t, err)
	items = drain(t, e)
	assert.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Value)

	bad := "plop"
	_, err = NewSliceEnumerator(nil, &bad)
	assert.Error(t, err)
}

func TestDummyArguments(t *testing.T) {
	d, err := DummyFromArguments(map[string]string{"items": "4", "wait": "1ms", "fail_at": "2"})
	require.NoError(t, err)
	assert.Equal(t, 4, d.Items)
	assert.Equal(t, 2, d.FailAt)

	_, err = DummyFromArguments(map[string]string{"items": "many"})
	assert.Error(t, err)
}

func TestDummyProcess(t *testing.T) {
	d := &DummyTask{Items: 3, FailAt: 3}
	e, err := d.Collection(context.Background(), nil)
	require.NoError(t, err)
	items := drain(t, e)
	assert.NoError(t, d.Process(context.Background(), items[0]))
	assert.NoError(t, d.Process(context.Background(), items[1]))
	assert.Error(t, d.Process(context.Background(), items[2]))
	assert.Equal(t, int64(2), d.Counter)
}
