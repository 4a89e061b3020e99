// Package insight derives risk insights from a subject's payment history and
// appends them to the ledger as InsightGenerated events.
//
// Insights are point-in-time observations, not corrections. Overlapping
// processor runs may write several insights for the same subject; consumers
// must read the latest one (see Latest) and never assume exactly one exists.
package insight

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/rentledger/internal/ledger"
)

// Insight is the payload of an InsightGenerated event.
type Insight = ledger.InsightGenerated

// ErrInvalidPayment is returned by a Scorer when a payment lacks the dates
// needed to compute lateness.
var ErrInvalidPayment = errors.New("invalid payment")

// Scorer turns a subject's full payment history into an insight. It returns
// nil, nil when there is nothing to score.
type Scorer interface {
	Score(subjectID string, payments []ledger.PaymentRecorded) (*Insight, error)
}

// Latest returns the most recent insight recorded for subjectID, or an
// ledger.ErrNotFound error if none exists.
func Latest(ctx context.Context, store ledger.Store, subjectID string) (*Insight, error) {
	evs, err := store.QueryBySubject(ctx, subjectID, ledger.EventInsightGenerated)
	if err != nil {
		return nil, err
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if in, ok := evs[i].Data.(ledger.InsightGenerated); ok {
			return &in, nil
		}
	}
	return nil, fmt.Errorf("%w: no insight for subject %s", ledger.ErrNotFound, subjectID)
}
