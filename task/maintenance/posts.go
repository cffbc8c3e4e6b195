// Package maintenance holds the maintenance tasks of the application
package maintenance

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/factorysh/maintenance/task"
	"github.com/pkg/errors"
)

const (
	// ApplicationName is the abstract parent of every application task
	ApplicationName = "maintenance/application"
	// UpdatePostsName rewrites every post
	UpdatePostsName = "maintenance/update-posts"
)

func init() {
	task.Register(task.Definition{
		Name:        ApplicationName,
		Description: "Base of the application maintenance tasks",
		Abstract:    true,
	})
	task.Register(task.Definition{
		Name:        UpdatePostsName,
		Description: "Appends a suffix to the content of the posts",
		Parameters:  []string{"suffix", "limit"},
		New: func(args map[string]string) (task.Task, error) {
			return NewUpdatePosts(Repository, args)
		},
	})
}

// Post is a blog post
type Post struct {
	ID      int
	Title   string
	Content string
}

// Posts is an in memory post repository
type Posts struct {
	lock  sync.RWMutex
	posts []*Post
}

// Repository is the posts repository used by registered tasks
var Repository = NewPosts(20)

// NewPosts seeds n posts
func NewPosts(n int) *Posts {
	posts := make([]*Post, n)
	for i := range posts {
		posts[i] = &Post{
			ID:      i + 1,
			Title:   fmt.Sprintf("Post #%d", i+1),
			Content: "Lorem ipsum",
		}
	}
	return &Posts{posts: posts}
}

// Len is the number of posts
func (p *Posts) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.posts)
}

// IDs of the posts, in order
func (p *Posts) IDs() []interface{} {
	p.lock.RLock()
	defer p.lock.RUnlock()
	ids := make([]interface{}, len(p.posts))
	for i, post := range p.posts {
		ids[i] = post.ID
	}
	return ids
}

// Get a copy of a post
func (p *Posts) Get(id int) (Post, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, post := range p.posts {
		if post.ID == id {
			return *post, true
		}
	}
	return Post{}, false
}

// Update a post content
func (p *Posts) Update(id int, fn func(post *Post)) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, post := range p.posts {
		if post.ID == id {
			fn(post)
			return nil
		}
	}
	return errors.Errorf("unknown post %d", id)
}

// UpdatePosts appends Suffix to each post content
type UpdatePosts struct {
	posts  *Posts
	Suffix string
	Limit  int // 0 is every post
}

// NewUpdatePosts reads the run arguments
func NewUpdatePosts(posts *Posts, args map[string]string) (*UpdatePosts, error) {
	u := &UpdatePosts{
		posts:  posts,
		Suffix: " (updated)",
	}
	if suffix, ok := args["suffix"]; ok {
		u.Suffix = suffix
	}
	if raw, ok := args["limit"]; ok {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "limit")
		}
		if limit < 0 {
			return nil, errors.Errorf("negative limit %d", limit)
		}
		u.Limit = limit
	}
	return u, nil
}

func (u *UpdatePosts) ids() []interface{} {
	ids := u.posts.IDs()
	if u.Limit > 0 && u.Limit < len(ids) {
		ids = ids[:u.Limit]
	}
	return ids
}

// Count implements task.Counter
func (u *UpdatePosts) Count(ctx context.Context) (int64, error) {
	return int64(len(u.ids())), nil
}

// Collection implements task.Task
func (u *UpdatePosts) Collection(ctx context.Context, cursor *string) (task.Enumerator, error) {
	return task.NewSliceEnumerator(u.ids(), cursor)
}

// Process implements task.Task
func (u *UpdatePosts) Process(ctx context.Context, item task.Item) error {
	return u.posts.Update(item.Value.(int), func(post *Post) {
		post.Content += u.Suffix
	})
}
