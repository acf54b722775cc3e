package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinText(t *testing.T) {
	blocks := []ContentBlock{
		{Type: ContentTypeText, Text: "6m"},
		{Type: "image/png"},
		{Type: ContentTypeText, Text: "0s"},
	}
	assert.Equal(t, "6m0s", JoinText(blocks))
	assert.Equal(t, "", JoinText(nil))
}

func TestTextMessage(t *testing.T) {
	msg := TextMessage("user", "hi")
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "hi", JoinText(msg.Content))
}
