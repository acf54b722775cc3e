// Package content holds the chat message shapes shared by batch input and
// provider drivers. Only text blocks are sent upstream.
package content

import "strings"

// ContentType is the IANA media type of a block.
type ContentType string

const ContentTypeText ContentType = "text/plain"

// ContentBlock is one piece of message or response content.
type ContentBlock struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// Message is a chat message.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage returns a message with a single text block.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: ContentTypeText, Text: text}}}
}

// JoinText concatenates the text blocks, skipping any other type.
func JoinText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == ContentTypeText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
