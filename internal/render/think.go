// Package render separates model reasoning from the text shown to users.
package render

import (
	"regexp"
	"strings"
)

// An unterminated block runs to the end of the text: streaming models
// sometimes stop mid-thought on length limits.
var thinkBlockRe = regexp.MustCompile(`(?is)<think>(.*?)(?:</think>|\z)|<thinking>(.*?)(?:</thinking>|\z)`)

// SplitThinking removes every think block from text. reasoning is the
// trimmed content of all blocks joined by blank lines; answer is what is
// left, trimmed. Text without blocks is returned unchanged as the answer.
func SplitThinking(text string) (reasoning, answer string) {
	matches := thinkBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", text
	}

	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		block := m[1]
		if block == "" {
			block = m[2]
		}
		if block = strings.TrimSpace(block); block != "" {
			parts = append(parts, block)
		}
	}
	answer = strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
	return strings.Join(parts, "\n\n"), answer
}

// StripThinking returns text without think blocks.
func StripThinking(text string) string {
	_, answer := SplitThinking(text)
	return answer
}
