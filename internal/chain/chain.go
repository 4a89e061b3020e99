// Package chain derives per-subject hash chains from the ledger and detects
// retroactive tampering.
//
// Blocks are never trusted from storage: they are recomputed from the raw
// events every time. A block's PayloadHash is the SHA-256 of the event's
// canonical payload; its Hash covers PayloadHash, the previous block's Hash
// and its index. Block 0 chains from GenesisHash (64 hex zeros).
//
// Sealing records the recomputed hashes as anchors. Verify later compares a
// fresh recomputation against those anchors and reports the earliest index
// where they diverge.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmerrifield20/rentledger/internal/ledger"
)

// GenesisHash is the sentinel PrevHash of block 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrAnchorConflict is returned when sealing would overwrite an anchored
// block with a different hash.
var ErrAnchorConflict = errors.New("chain anchor conflict")

// Block is one link of a subject's derived chain.
type Block struct {
	Index       int    `json:"index"`
	EventID     string `json:"event_id"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev_hash"`
	Hash        string `json:"hash"`
}

// hashBlock computes a deterministic SHA-256 over a block's linked fields.
func hashBlock(payloadHash, prevHash string, index int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", payloadHash, prevHash, index)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// BuildBlocks folds events, already in chain order, into blocks. It is pure:
// the same events always yield byte-identical hashes.
func BuildBlocks(events []*ledger.LedgerEvent) ([]Block, error) {
	blocks := make([]Block, 0, len(events))
	prev := GenesisHash
	for i, ev := range events {
		canonical, err := ledger.CanonicalPayload(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("canonicalize event %s: %w", ev.EventID, err)
		}
		payloadHash := sha256Sum(canonical)
		b := Block{
			Index:       i,
			EventID:     ev.EventID,
			PayloadHash: payloadHash,
			PrevHash:    prev,
			Hash:        hashBlock(payloadHash, prev, i),
		}
		blocks = append(blocks, b)
		prev = b.Hash
	}
	return blocks, nil
}

// Root returns the hash of the last block, or GenesisHash for an empty chain.
func Root(blocks []Block) string {
	if len(blocks) == 0 {
		return GenesisHash
	}
	return blocks[len(blocks)-1].Hash
}
