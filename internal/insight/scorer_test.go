package insight_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/rentledger/internal/insight"
	"github.com/jmerrifield20/rentledger/internal/ledger"
)

var due = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var fixed = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

// history returns onTime payments paid on the due date followed by one
// payment for each entry of lateDays.
func history(onTime int, lateDays ...int) []ledger.PaymentRecorded {
	var out []ledger.PaymentRecorded
	for i := 0; i < onTime; i++ {
		d := due.AddDate(0, i, 0)
		out = append(out, ledger.PaymentRecorded{
			PaymentID: fmt.Sprintf("on-%d", i), AmountCents: 100000, MonthlyRentCents: 100000,
			DueDate: d, PaidAt: d,
		})
	}
	for i, n := range lateDays {
		d := due.AddDate(1, i, 0)
		out = append(out, ledger.PaymentRecorded{
			PaymentID: fmt.Sprintf("late-%d", i), AmountCents: 100000, MonthlyRentCents: 100000,
			DueDate: d, PaidAt: d.Add(time.Duration(n) * 24 * time.Hour),
		})
	}
	return out
}

func TestScore_noPaymentsYieldsNoInsight(t *testing.T) {
	in, err := insight.NewRiskScorer(fixed).Score("tenant-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if in != nil {
		t.Errorf("expected no insight, got %+v", in)
	}
}

func TestScore_singlePaymentIsInsufficientHistory(t *testing.T) {
	in, err := insight.NewRiskScorer(fixed).Score("tenant-1", history(0, 20))
	if err != nil {
		t.Fatal(err)
	}
	if in.RiskLevel != ledger.RiskLow || in.RiskScore != 0.3 {
		t.Errorf("got %s/%v, want Low/0.3", in.RiskLevel, in.RiskScore)
	}
	if !in.InsufficientHistory {
		t.Error("expected InsufficientHistory to be set")
	}
}

func TestScore_nineOfTenWithThreeDaysLateIsMedium(t *testing.T) {
	in, err := insight.NewRiskScorer(fixed).Score("tenant-1", history(9, 3))
	if err != nil {
		t.Fatal(err)
	}
	if in.OnTimePercentage != 90 {
		t.Errorf("OnTimePercentage: got %d, want 90", in.OnTimePercentage)
	}
	if in.AvgDaysLate == nil || *in.AvgDaysLate != 3 {
		t.Errorf("AvgDaysLate: got %v, want 3", in.AvgDaysLate)
	}
	if in.RiskLevel != ledger.RiskMedium || in.RiskScore != 0.5 {
		t.Errorf("got %s/%v, want Medium/0.5", in.RiskLevel, in.RiskScore)
	}
	if in.InsufficientHistory {
		t.Error("InsufficientHistory should not be set for 10 payments")
	}
}

func TestScore_bands(t *testing.T) {
	tests := []struct {
		name     string
		payments []ledger.PaymentRecorded
		pct      int
		level    ledger.RiskLevel
		score    float64
	}{
		{"all on time", history(10), 100, ledger.RiskLow, 0.2},
		{"one day late at 90%", history(9, 1), 90, ledger.RiskLow, 0.2},
		{"70% is medium", history(7, 2, 2, 2), 70, ledger.RiskMedium, 0.5},
		{"60% is high", history(6, 1, 1, 1, 1), 60, ledger.RiskHigh, 0.8},
		{"two thirds rounds to 67", history(2, 5), 67, ledger.RiskHigh, 0.8},
		{"all late", history(0, 4, 6), 0, ledger.RiskHigh, 0.8},
	}
	s := insight.NewRiskScorer(fixed)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := s.Score("tenant-1", tt.payments)
			if err != nil {
				t.Fatal(err)
			}
			if in.OnTimePercentage != tt.pct {
				t.Errorf("OnTimePercentage: got %d, want %d", in.OnTimePercentage, tt.pct)
			}
			if in.RiskLevel != tt.level || in.RiskScore != tt.score {
				t.Errorf("got %s/%v, want %s/%v", in.RiskLevel, in.RiskScore, tt.level, tt.score)
			}
		})
	}
}

func TestScore_daysLateFloorsAndIgnoresEarly(t *testing.T) {
	payments := []ledger.PaymentRecorded{
		{PaymentID: "early", DueDate: due, PaidAt: due.Add(-72 * time.Hour)},
		{PaymentID: "same-day", DueDate: due, PaidAt: due.Add(23 * time.Hour)},
		{PaymentID: "late", DueDate: due, PaidAt: due.Add(47 * time.Hour)},
	}
	in, err := insight.NewRiskScorer(fixed).Score("tenant-1", payments)
	if err != nil {
		t.Fatal(err)
	}
	if in.OnTimePayments != 2 || in.LatePayments != 1 {
		t.Errorf("got %d on time / %d late, want 2 / 1", in.OnTimePayments, in.LatePayments)
	}
	if in.AvgDaysLate == nil || *in.AvgDaysLate != 1 {
		t.Errorf("AvgDaysLate: got %v, want 1", in.AvgDaysLate)
	}
}

func TestScore_isDeterministic(t *testing.T) {
	s := insight.NewRiskScorer(fixed)
	a, _ := s.Score("tenant-1", history(8, 3, 5))
	b, _ := s.Score("tenant-1", history(8, 3, 5))
	if a.Summary != b.Summary || a.RiskScore != b.RiskScore || !a.GeneratedAt.Equal(b.GeneratedAt) {
		t.Errorf("scores differ: %+v vs %+v", a, b)
	}
	if a.Summary == "" {
		t.Error("expected a summary")
	}
}

func TestScore_rejectsMissingDates(t *testing.T) {
	payments := append(history(3), ledger.PaymentRecorded{PaymentID: "broken", PaidAt: due})
	_, err := insight.NewRiskScorer(fixed).Score("tenant-1", payments)
	if !errors.Is(err, insight.ErrInvalidPayment) {
		t.Errorf("expected ErrInvalidPayment, got %v", err)
	}
}
