// Package registry tracks driver presence: online/offline/on_trip status,
// heartbeat liveness and last known location.
package registry

import (
	"errors"
	"strings"
)

var ErrNotFound = errors.New("driver not found")

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
