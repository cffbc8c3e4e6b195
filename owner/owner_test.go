package owner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwner(t *testing.T) {
	u, err := FromJWT(map[string]interface{}{"owner": "alice", "admin": true})
	require.NoError(t, err)
	assert.Equal(t, "alice (admin)", u.Operator())

	ctx := u.ToCtx(context.Background())
	back, err := FromCtx(ctx)
	require.NoError(t, err)
	assert.Equal(t, u, back)

	_, err = FromCtx(context.Background())
	assert.Error(t, err)

	for _, claims := range []map[string]interface{}{
		{},
		{"owner": 42},
		{"owner": "bob", "admin": "yes"},
	} {
		_, err := FromJWT(claims)
		assert.Error(t, err, claims)
	}

	bob, err := FromJWT(map[string]interface{}{"owner": "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", bob.Operator())
}
