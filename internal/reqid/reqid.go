// Package reqid generates opaque request and client identifiers.
package reqid

import "github.com/google/uuid"

// New returns a fresh opaque request identifier.
func New() string {
	return uuid.NewString()
}
