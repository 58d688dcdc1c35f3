package core

import (
	"github.com/google/uuid"
)

// NewID returns a fresh opaque identifier for tasks and executions.
func NewID() string {
	return uuid.NewString()
}
