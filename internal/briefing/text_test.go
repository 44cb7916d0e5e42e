package briefing

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "", truncate("anything", 0))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "the quick...", truncate("the quick brown fox", 14))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	long := strings.Repeat("héllo wörld ", 50)
	out := truncate(long, summaryLimit)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, utf8.RuneCountInString(out), summaryLimit)
	assert.True(t, strings.HasSuffix(out, "..."))
}
