package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArguments(t *testing.T) {
	args, err := parseArguments([]string{"items=3", "suffix=a=b", "empty="})
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{
		"items":  "3",
		"suffix": "a=b",
		"empty":  "",
	}, args)

	for _, bad := range []string{"items", "=3"} {
		_, err = parseArguments([]string{bad})
		assert.Error(t, err, bad)
	}
}
