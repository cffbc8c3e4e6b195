package maintenance

import (
	"context"
	"testing"

	"github.com/factorysh/maintenance/task"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	_, err := task.Default.Resolve(ApplicationName)
	assert.True(t, errors.Is(err, task.ErrAbstractTask))
	assert.Equal(t, "Task maintenance/application is abstract.", err.Error())

	def, err := task.Default.Resolve(UpdatePostsName)
	require.NoError(t, err)
	assert.True(t, def.HasParameter("suffix"))
	assert.False(t, def.HasParameter("plop"))
}

func TestUpdatePosts(t *testing.T) {
	ctx := context.Background()
	posts := NewPosts(5)
	u, err := NewUpdatePosts(posts, map[string]string{"suffix": "!", "limit": "3"})
	require.NoError(t, err)
	n, err := u.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	enum, err := u.Collection(ctx, nil)
	require.NoError(t, err)
	var cursor string
	for i := 0; i < 2; i++ {
		item, ok, err := enum.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, u.Process(ctx, item))
		cursor = item.Cursor
	}

	// resume from the cursor
	enum, err = u.Collection(ctx, &cursor)
	require.NoError(t, err)
	for {
		item, ok, err := enum.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.NoError(t, u.Process(ctx, item))
	}

	for id, content := range map[int]string{
		1: "Lorem ipsum!",
		3: "Lorem ipsum!",
		4: "Lorem ipsum",
	} {
		post, ok := posts.Get(id)
		require.True(t, ok)
		assert.Equal(t, content, post.Content, id)
	}

	_, err = NewUpdatePosts(posts, map[string]string{"limit": "plop"})
	assert.Error(t, err)
	assert.Error(t, posts.Update(42, func(*Post) {}))
}
