package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxTextBytes bounds one chat line; anything bigger is a game
	// record mislabeled as chat, or garbage.
	MaxTextBytes = 4096

	// MaxTextChars bounds the visible length.
	MaxTextChars = 2000
)

// Validate checks that a chat line is worth screening and retaining.
func Validate(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("chat: empty text")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("chat: text exceeds %d bytes", MaxTextBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: text exceeds %d characters", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: invalid UTF-8")
	}
	return nil
}
