package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that message content meets size and encoding
// requirements. All returned errors wrap ErrInvalidMessage.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidMessage)
	}
	return nil
}
