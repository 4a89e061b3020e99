package insight

import (
	"fmt"
	"math"
	"time"

	"github.com/jmerrifield20/rentledger/internal/ledger"
)

const day = 24 * time.Hour

// RiskScorer is the default Scorer. Its banding is fixed:
//
//	fewer than 2 payments            → Low,    0.3 (insufficient history)
//	≥ 90% on time, avg late ≤ 1 day  → Low,    0.2
//	≥ 70% on time                    → Medium, 0.5
//	otherwise                        → High,   0.8
type RiskScorer struct {
	now ledger.Clock
}

// NewRiskScorer returns a RiskScorer stamping insights with clock. A nil
// clock uses the wall clock.
func NewRiskScorer(clock ledger.Clock) *RiskScorer {
	if clock == nil {
		clock = time.Now
	}
	return &RiskScorer{now: clock}
}

// Score implements Scorer.
func (s *RiskScorer) Score(subjectID string, payments []ledger.PaymentRecorded) (*Insight, error) {
	total := len(payments)
	if total == 0 {
		return nil, nil
	}

	var onTime, late, sumLate int
	for _, p := range payments {
		if p.DueDate.IsZero() || p.PaidAt.IsZero() {
			return nil, fmt.Errorf("%w: payment %q has no due date or paid-at", ErrInvalidPayment, p.PaymentID)
		}
		d := daysLate(p.DueDate, p.PaidAt)
		if d == 0 {
			onTime++
			continue
		}
		late++
		sumLate += d
	}

	pct := int(math.Round(float64(onTime) / float64(total) * 100))
	var avg *float64
	if late > 0 {
		v := float64(sumLate) / float64(late)
		avg = &v
	}
	level, score := riskBand(total, pct, avg)

	return &Insight{
		SubjectID:           subjectID,
		TotalPayments:       total,
		OnTimePayments:      onTime,
		LatePayments:        late,
		OnTimePercentage:    pct,
		AvgDaysLate:         avg,
		RiskScore:           score,
		RiskLevel:           level,
		InsufficientHistory: total < 2,
		Summary:             summarize(total, onTime, pct, avg, level),
		GeneratedAt:         s.now().UTC().Truncate(time.Microsecond),
	}, nil
}

// daysLate counts whole days between due and paid. Early payments are on time.
func daysLate(due, paid time.Time) int {
	d := paid.Sub(due)
	if d <= 0 {
		return 0
	}
	return int(d / day)
}

// riskBand maps the computed numbers to a level and score. Higher
// percentage thresholds are checked first and win ties.
func riskBand(total, pct int, avg *float64) (ledger.RiskLevel, float64) {
	switch {
	case total < 2:
		return ledger.RiskLow, 0.3
	case pct >= 90 && (avg == nil || *avg <= 1):
		return ledger.RiskLow, 0.2
	case pct >= 70:
		return ledger.RiskMedium, 0.5
	default:
		return ledger.RiskHigh, 0.8
	}
}

func summarize(total, onTime, pct int, avg *float64, level ledger.RiskLevel) string {
	if total < 2 {
		return fmt.Sprintf("%d of %d payments on time. Not enough history for a reliable risk assessment.",
			onTime, total)
	}
	s := fmt.Sprintf("%d of %d payments on time (%d%%).", onTime, total, pct)
	if avg != nil {
		s += fmt.Sprintf(" Late payments averaged %.1f days late.", *avg)
	}
	return s + fmt.Sprintf(" Risk level: %s.", level)
}
