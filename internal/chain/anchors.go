package chain

import (
	"context"
	"fmt"
	"sync"
)

// AnchorStore keeps the block hashes published for each subject when its
// chain was sealed. Anchors are append-only: saving an identical block again
// is a no-op, saving a different block at an anchored index fails with
// ErrAnchorConflict.
type AnchorStore interface {
	// Load returns the subject's anchored blocks ordered by index.
	Load(ctx context.Context, subjectID string) ([]Block, error)

	// Save anchors blocks, which must continue the subject's anchored prefix.
	Save(ctx context.Context, subjectID string, blocks []Block) error
}

// MemoryAnchors is an in-memory AnchorStore.
type MemoryAnchors struct {
	mu      sync.RWMutex
	anchors map[string][]Block
}

// NewMemoryAnchors creates an empty MemoryAnchors.
func NewMemoryAnchors() *MemoryAnchors {
	return &MemoryAnchors{anchors: make(map[string][]Block)}
}

// Load implements AnchorStore.
func (m *MemoryAnchors) Load(ctx context.Context, subjectID string) ([]Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Block(nil), m.anchors[subjectID]...), nil
}

// Save implements AnchorStore.
func (m *MemoryAnchors) Save(ctx context.Context, subjectID string, blocks []Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.anchors[subjectID]
	for _, b := range blocks {
		switch {
		case b.Index < len(existing):
			if existing[b.Index] != b {
				return fmt.Errorf("%w: subject %s index %d", ErrAnchorConflict, subjectID, b.Index)
			}
		case b.Index == len(existing):
			existing = append(existing, b)
		default:
			return fmt.Errorf("anchor gap for subject %s: index %d after %d anchored blocks",
				subjectID, b.Index, len(existing))
		}
	}
	m.anchors[subjectID] = existing
	return nil
}
