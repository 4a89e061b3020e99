package chain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/rentledger/internal/chain"
	"github.com/jmerrifield20/rentledger/internal/ledger"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

func paymentEvents(amounts []int64) []*ledger.LedgerEvent {
	evs := make([]*ledger.LedgerEvent, 0, len(amounts))
	for i, amt := range amounts {
		evs = append(evs, &ledger.LedgerEvent{
			EventID:   fmt.Sprintf("ev-%03d", i),
			EventType: ledger.EventPaymentRecorded,
			Version:   1,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Actor:     ledger.Actor{System: "test"},
			SubjectID: "tenant-1",
			Data: ledger.PaymentRecorded{
				PaymentID:        fmt.Sprintf("pay-%d", i),
				AmountCents:      amt,
				MonthlyRentCents: 100000,
				DueDate:          base,
				PaidAt:           base,
			},
			Meta: ledger.Meta{ChainStatus: ledger.ChainPending},
		})
	}
	return evs
}

func TestProperty_ChainDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("building the same events twice yields identical blocks", prop.ForAll(
		func(amounts []int64) bool {
			a, err := chain.BuildBlocks(paymentEvents(amounts))
			if err != nil {
				return false
			}
			b, err := chain.BuildBlocks(paymentEvents(amounts))
			if err != nil {
				return false
			}
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return chain.Root(a) == chain.Root(b)
		},
		gen.SliceOf(gen.Int64Range(0, 10_000_000)),
	))

	properties.Property("every block links to its predecessor", prop.ForAll(
		func(amounts []int64) bool {
			blocks, err := chain.BuildBlocks(paymentEvents(amounts))
			if err != nil {
				return false
			}
			prev := chain.GenesisHash
			for _, b := range blocks {
				if b.PrevHash != prev {
					return false
				}
				prev = b.Hash
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 10_000_000)),
	))

	properties.TestingRun(t)
}

func TestProperty_TamperDetection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("altering event k breaks verification at exactly k", prop.ForAll(
		func(n, k int) bool {
			k = k % n
			s := ledger.NewMemoryStore()
			for _, ev := range paymentEvents(make([]int64, n)) {
				if err := s.Append(ctx, ev); err != nil {
					return false
				}
			}
			anchors := chain.NewMemoryAnchors()
			if _, err := chain.NewBuilder(s, anchors, zap.NewNop()).Seal(ctx, "tenant-1"); err != nil {
				return false
			}

			res, err := chain.NewVerifier(tamperStore{Store: s, k: k}, anchors, zap.NewNop()).Verify(ctx, "tenant-1")
			if err != nil || res.OK || res.BrokenAtIndex == nil || *res.BrokenAtIndex != k {
				return false
			}
			if len(res.MismatchedIndexes) != n-k {
				return false
			}
			for i, idx := range res.MismatchedIndexes {
				if idx != k+i {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
