package task

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	c := NewCatalog()
	require.NoError(t, c.Register(Definition{
		Name:     "maintenance/application",
		Abstract: true,
	}))
	require.NoError(t, c.Register(Definition{
		Name: "maintenance/count",
		New: func(map[string]string) (Task, error) {
			return &DummyTask{Items: 3}, nil
		},
	}))
	return c
}

func TestResolve(t *testing.T) {
	c := testCatalog(t)

	def, err := c.Resolve("maintenance/count")
	assert.NoError(t, err)
	assert.Equal(t, "maintenance/count", def.Name)

	_, err = c.Resolve("maintenance/does-not-exist")
	assert.True(t, errors.Is(err, ErrUnknownTask))
	assert.Equal(t, "Task maintenance/does-not-exist does not exist.", err.Error())

	_, err = c.Resolve("maintenance/application")
	assert.True(t, errors.Is(err, ErrAbstractTask))
	assert.Equal(t, "Task maintenance/application is abstract.", err.Error())
}

func TestRegister(t *testing.T) {
	c := testCatalog(t)

	err := c.Register(Definition{Name: "maintenance/count", Abstract: true})
	assert.Error(t, err)
	err = c.Register(Definition{})
	assert.Error(t, err)
	err = c.Register(Definition{Name: "maintenance/no-factory"})
	assert.Error(t, err)

	names := make([]string, 0)
	for _, def := range c.List() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"maintenance/application", "maintenance/count"}, names)
	assert.Equal(t, 2, c.Length())
}

func TestBuildAbstract(t *testing.T) {
	def := &Definition{Name: "maintenance/application", Abstract: true}
	_, err := def.Build(nil)
	assert.True(t, errors.Is(err, ErrAbstractTask))
}

func TestDefaultCatalogHasDummy(t *testing.T) {
	def, err := Default.Resolve(DummyName)
	require.NoError(t, err)
	assert.True(t, def.HasParameter("items"))
	assert.False(t, def.HasParameter("color"))

	tsk, err := def.Build(map[string]string{"items": "2"})
	require.NoError(t, err)
	total, err := tsk.(Counter).Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(2), total)
}
