// ABOUTME: Keystore interface and shared errors for credential persistence
// ABOUTME: Implementations must not retain or log plaintext credential material

package keystore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no item exists for the requested agent.
var ErrNotFound = errors.New("keystore: item not found")

// Keystore stores one opaque credential blob per agent.
type Keystore interface {
	// SetItem stores blob for agentID, replacing any previous value.
	SetItem(ctx context.Context, agentID string, blob []byte) error

	// GetItem returns the blob for agentID, or ErrNotFound.
	GetItem(ctx context.Context, agentID string) ([]byte, error)

	// RemoveItem deletes the blob for agentID. Returns ErrNotFound when
	// nothing was stored.
	RemoveItem(ctx context.Context, agentID string) error

	// Close releases the underlying storage.
	Close() error
}
