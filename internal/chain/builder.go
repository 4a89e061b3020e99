package chain

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jmerrifield20/rentledger/internal/ledger"
	"go.uber.org/zap"
)

// sealStripes bounds the number of per-subject seal locks.
const sealStripes = 64

// Builder derives chains from the ledger and seals them. It is the only
// component allowed to update an event's chain status.
type Builder struct {
	store   ledger.Store
	anchors AnchorStore
	logger  *zap.Logger
	locks   [sealStripes]sync.Mutex
}

// NewBuilder creates a Builder. anchors may be nil, in which case Seal is
// unavailable and only Build can be used.
func NewBuilder(store ledger.Store, anchors AnchorStore, logger *zap.Logger) *Builder {
	return &Builder{store: store, anchors: anchors, logger: logger}
}

// Build recomputes the subject's chain from its full event history. An
// empty history yields an empty chain.
func (b *Builder) Build(ctx context.Context, subjectID string) ([]Block, error) {
	events, err := b.store.QueryBySubject(ctx, subjectID, "")
	if err != nil {
		return nil, fmt.Errorf("load subject history: %w", err)
	}
	return BuildBlocks(events)
}

// SealResult reports what a Seal call did.
type SealResult struct {
	SubjectID string        `json:"subject_id"`
	Length    int           `json:"length"`
	Anchored  int           `json:"anchored"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	Root      string        `json:"root"`
	Verify    *VerifyResult `json:"verify"`
}

// Seal rebuilds the subject's chain and compares it with its anchors. While
// the anchored prefix still matches, the blocks past it are anchored and
// their events marked confirmed. Once the chain diverges nothing is anchored
// and every event from the first divergent index onward is marked failed.
func (b *Builder) Seal(ctx context.Context, subjectID string) (*SealResult, error) {
	if b.anchors == nil {
		return nil, errors.New("seal requires an anchor store")
	}

	mu := &b.locks[stripe(subjectID)]
	mu.Lock()
	defer mu.Unlock()

	events, err := b.store.QueryBySubject(ctx, subjectID, "")
	if err != nil {
		return nil, fmt.Errorf("load subject history: %w", err)
	}
	blocks, err := BuildBlocks(events)
	if err != nil {
		return nil, err
	}
	anchored, err := b.anchors.Load(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load anchors: %w", ledger.Unavailable("load anchors", err))
	}

	vr := compare(subjectID, blocks, anchored)
	res := &SealResult{
		SubjectID: subjectID,
		Length:    len(blocks),
		Root:      vr.Root,
		Verify:    vr,
	}

	if !vr.OK {
		for i := *vr.BrokenAtIndex; i < len(events); i++ {
			if events[i].Meta.ChainStatus == ledger.ChainFailed {
				continue
			}
			if err := b.store.MarkChainStatus(ctx, events[i].EventID, ledger.ChainFailed); err != nil {
				return res, fmt.Errorf("mark event %s failed: %w", events[i].EventID, err)
			}
			res.Failed++
		}
		b.logger.Warn("chain seal refused: subject history diverges from anchors",
			zap.String("subject_id", subjectID),
			zap.Int("broken_at_index", *vr.BrokenAtIndex),
			zap.Int("failed", res.Failed),
		)
		return res, nil
	}

	fresh := blocks[len(anchored):]
	if err := b.anchors.Save(ctx, subjectID, fresh); err != nil {
		if errors.Is(err, ErrAnchorConflict) {
			return res, err
		}
		return res, fmt.Errorf("save anchors: %w", ledger.Unavailable("save anchors", err))
	}
	res.Anchored = len(fresh)

	for i := range blocks {
		if events[i].Meta.ChainStatus == ledger.ChainConfirmed {
			continue
		}
		if err := b.store.MarkChainStatus(ctx, events[i].EventID, ledger.ChainConfirmed); err != nil {
			return res, fmt.Errorf("mark event %s confirmed: %w", events[i].EventID, err)
		}
		res.Confirmed++
	}

	res.Verify.AnchoredLength = len(blocks)
	if res.Anchored > 0 {
		b.logger.Debug("chain sealed",
			zap.String("subject_id", subjectID),
			zap.Int("anchored", res.Anchored),
			zap.String("root", res.Root),
		)
	}
	return res, nil
}

func stripe(subjectID string) int {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	return int(h.Sum32() % sealStripes)
}
