package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		expect []string
	}{
		{"empty", "", nil},
		{"trim", "  who \n\tsend d BTTN b\n", []string{"who", "send d BTTN b"}},
		{"blank-lines", "a\n\nb", []string{"a", "", "b"}},
		{"exit", "a\nexit\nb\n", []string{"a"}},
		{"quit", " quit ", nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var lines []string
			require.NoError(t, Batch(strings.NewReader(c.input), func(line string) { lines = append(lines, line) }))
			assert.Equal(t, c.expect, lines)
		})
	}
}
