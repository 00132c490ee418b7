// Package ids generates identifiers used across the gateway.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// RequestHeader carries the request id in and out of the gateway.
const RequestHeader = "X-Request-ID"

// New returns a random id with the given prefix, e.g. "req_3f2a...".
func New(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request returns the caller supplied request id when it looks sane, or a
// fresh one.
func Request(incoming string) string {
	if incoming != "" && len(incoming) <= 128 && isPrintable(incoming) {
		return incoming
	}
	return New("req_")
}

func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
