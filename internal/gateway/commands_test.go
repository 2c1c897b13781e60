package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoleRef(t *testing.T) {
	valid := map[string]string{
		"e5":      "e5",
		"@e5":     "e5",
		"ref=e5":  "e5",
		" e5 ":    "e5",
		"ref=@B2": "b2",
		"Q12":     "q12",
	}
	for in, want := range valid {
		got, err := ParseRoleRef(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	invalid := []string{"5e", "", "foo", "@", "ref=", "e", "e5x", "  "}
	for _, in := range invalid {
		_, err := ParseRoleRef(in)
		assert.Error(t, err, "input %q should be rejected", in)
	}
}
