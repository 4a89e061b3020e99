package chain

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/rentledger/internal/ledger"
	"go.uber.org/zap"
)

// VerifyResult is the outcome of comparing a freshly built chain with the
// subject's anchors. A broken chain is reported here, not as an error.
type VerifyResult struct {
	SubjectID         string `json:"subject_id"`
	OK                bool   `json:"ok"`
	Length            int    `json:"length"`
	AnchoredLength    int    `json:"anchored_length"`
	BrokenAtIndex     *int   `json:"broken_at_index,omitempty"`
	ExpectedHash      string `json:"expected_hash,omitempty"`
	ActualHash        string `json:"actual_hash,omitempty"`
	MismatchedIndexes []int  `json:"mismatched_indexes"`
	Root              string `json:"root"`
}

// Verifier recomputes chains and checks them against anchors.
type Verifier struct {
	store   ledger.Store
	anchors AnchorStore
	logger  *zap.Logger
}

// NewVerifier creates a Verifier. With a nil anchors store every chain
// verifies as long as it can be rebuilt.
func NewVerifier(store ledger.Store, anchors AnchorStore, logger *zap.Logger) *Verifier {
	return &Verifier{store: store, anchors: anchors, logger: logger}
}

// Verify rebuilds the subject's chain from raw events and compares it with
// the anchored hashes. Store failures are returned as errors so that an
// unreachable store can never be mistaken for an intact chain.
func (v *Verifier) Verify(ctx context.Context, subjectID string) (*VerifyResult, error) {
	events, err := v.store.QueryBySubject(ctx, subjectID, "")
	if err != nil {
		return nil, fmt.Errorf("load subject history: %w", err)
	}
	blocks, err := BuildBlocks(events)
	if err != nil {
		return nil, err
	}

	var anchored []Block
	if v.anchors != nil {
		anchored, err = v.anchors.Load(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("load anchors: %w", ledger.Unavailable("load anchors", err))
		}
	}

	res := compare(subjectID, blocks, anchored)
	if !res.OK {
		v.logger.Warn("chain verification failed",
			zap.String("subject_id", subjectID),
			zap.Int("broken_at_index", *res.BrokenAtIndex),
			zap.Int("mismatched", len(res.MismatchedIndexes)),
		)
	}
	return res, nil
}

// compare checks every anchored index against the recomputed blocks. An
// anchored index with no recomputed block counts as a mismatch, as does an
// anchor list whose own links are inconsistent.
func compare(subjectID string, blocks, anchored []Block) *VerifyResult {
	res := &VerifyResult{
		SubjectID:         subjectID,
		OK:                true,
		Length:            len(blocks),
		AnchoredLength:    len(anchored),
		MismatchedIndexes: []int{},
		Root:              Root(blocks),
	}

	prev := GenesisHash
	for i, a := range anchored {
		broken := a.Index != i || a.PrevHash != prev
		var actual string
		if i < len(blocks) {
			actual = blocks[i].Hash
			if actual != a.Hash || blocks[i].EventID != a.EventID {
				broken = true
			}
		} else {
			broken = true
		}
		prev = a.Hash

		if !broken {
			continue
		}
		res.MismatchedIndexes = append(res.MismatchedIndexes, i)
		if res.OK {
			idx := i
			res.OK = false
			res.BrokenAtIndex = &idx
			res.ExpectedHash = a.Hash
			res.ActualHash = actual
		}
	}
	return res
}
