package runner

import (
	"strings"

	"github.com/google/uuid"
)

// NewRunID allocates a caller-opaque run identifier
func NewRunID() string {
	return "run_" + shortHex()
}

// NewCapsuleID allocates a capsule identifier
func NewCapsuleID() string {
	return "capsule_" + shortHex()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
