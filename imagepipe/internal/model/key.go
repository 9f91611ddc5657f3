package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrInvalidKey marks an object key that cannot be turned into an image id.
var ErrInvalidKey = errors.New("invalid object key")

// DecodeKey derives the canonical image id from an object key as delivered
// in bucket notifications: '+' becomes a space first, then percent escapes
// are decoded. "a+b%20c" yields "a b c"; "a%2Bb" yields "a+b".
func DecodeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	id, err := url.PathUnescape(strings.ReplaceAll(key, "+", " "))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
	}
	if !utf8.ValidString(id) {
		return "", fmt.Errorf("%w: %q decodes to invalid UTF-8", ErrInvalidKey, key)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: %q decodes to blank id", ErrInvalidKey, key)
	}
	return id, nil
}
