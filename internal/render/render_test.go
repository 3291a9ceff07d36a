package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubText(t *testing.T) {
	assert.Equal(t, "abc", ScrubText("a\x00b\x00c"))
	assert.Equal(t, "plain text", ScrubText("plain text"))
	assert.Equal(t, "a�b", ScrubText("a\xffb"))
	assert.Equal(t, "", ScrubText(""))
}
