// cmd/seed populates a running ledgerd with demo tenants whose payment
// histories cover every risk band, seals their chains and runs the insight
// processor once.
//
// Running twice is safe: event ids are derived from the seed definitions, so
// a second run is answered with idempotent replays.
//
// Usage:
//
//	go run ./cmd/seed
//	LEDGER_URL=http://localhost:8080 go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/rentledger/pkg/client"
	"go.uber.org/zap"
)

const defaultURL = "http://localhost:8080"

// seedNamespace scopes the derived event ids.
var seedNamespace = uuid.MustParse("6f1c2a8e-3b7d-4e59-9a0c-1d2e3f4a5b6c")

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	base := os.Getenv("LEDGER_URL")
	if base == "" {
		base = defaultURL
	}
	var opts []client.Option
	if tok := os.Getenv("RENTLEDGER_TOKEN"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	c, err := client.New(base, opts...)
	if err != nil {
		return err
	}
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	total := 0
	for _, tn := range tenants {
		reqs, err := tn.requests(start)
		if err != nil {
			return fmt.Errorf("build events for %s: %w", tn.SubjectID, err)
		}
		created := 0
		for _, req := range reqs {
			res, err := c.AppendEvent(ctx, req)
			if err != nil {
				return fmt.Errorf("append %s for %s: %w", req.EventType, tn.SubjectID, err)
			}
			if !res.Replayed {
				created++
			}
		}
		sealed, err := c.Seal(ctx, tn.SubjectID)
		if err != nil {
			return fmt.Errorf("seal %s: %w", tn.SubjectID, err)
		}
		logger.Info("seeded tenant",
			zap.String("subject_id", tn.SubjectID),
			zap.String("profile", tn.Profile),
			zap.Int("events", len(reqs)),
			zap.Int("created", created),
			zap.String("root", sealed.Root),
		)
		total += len(reqs)
	}

	res, err := c.RunInsights(ctx, total)
	if err != nil {
		return fmt.Errorf("run insights: %w", err)
	}
	logger.Info("seed complete",
		zap.Int("tenants", len(tenants)),
		zap.Int("insights_written", res.WrittenInsights),
	)
	return nil
}

// ── Tenants ──────────────────────────────────────────────────────────────────

type seedTenant struct {
	SubjectID string
	LeaseID   string
	Profile   string
	RentCents int64
	// LateDays holds, per month, how many days after the due date rent was
	// paid. Negative values are early payments.
	LateDays []int
}

var tenants = []seedTenant{
	{SubjectID: "tenant-ada", LeaseID: "lease-101", Profile: "always on time", RentCents: 145000,
		LateDays: []int{0, -2, 0, 0, -1, 0, 0, 0, -3, 0, 0, 0}},
	{SubjectID: "tenant-bo", LeaseID: "lease-102", Profile: "rarely late", RentCents: 98000,
		LateDays: []int{0, 0, 0, 1, 0, 0, 0, 0, 0, 0}},
	{SubjectID: "tenant-cyd", LeaseID: "lease-103", Profile: "often late", RentCents: 120000,
		LateDays: []int{0, 4, 0, 9, 0, 0, 2, 0, 0, 0}},
	{SubjectID: "tenant-dee", LeaseID: "lease-104", Profile: "chronically late", RentCents: 110000,
		LateDays: []int{6, 12, 3, 0, 21, 8, 15, 0, 10, 30}},
	{SubjectID: "tenant-eli", LeaseID: "lease-105", Profile: "new tenant", RentCents: 132500,
		LateDays: []int{0}},
}

func (tn seedTenant) requests(start time.Time) ([]client.AppendRequest, error) {
	actor := client.Actor{System: "seed"}
	reqs := []client.AppendRequest{}

	signed, err := json.Marshal(map[string]any{
		"lease_id":     tn.LeaseID,
		"action":       "signed",
		"effective_at": start.AddDate(0, 0, -14),
		"note":         "seeded lease",
	})
	if err != nil {
		return nil, err
	}
	reqs = append(reqs, client.AppendRequest{
		EventID:   eventID(tn.SubjectID, "lease-signed"),
		EventType: "LeaseAction",
		SubjectID: tn.SubjectID,
		Data:      signed,
		Actor:     actor,
	})

	for i, late := range tn.LateDays {
		due := start.AddDate(0, i, 0)
		paymentID := fmt.Sprintf("%s-%02d", tn.LeaseID, i+1)
		data, err := json.Marshal(map[string]any{
			"payment_id":         paymentID,
			"lease_id":           tn.LeaseID,
			"amount_cents":       tn.RentCents,
			"monthly_rent_cents": tn.RentCents,
			"due_date":           due,
			"paid_at":            due.Add(time.Duration(late)*24*time.Hour + 10*time.Hour),
			"method":             "ach",
		})
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, client.AppendRequest{
			EventID:   eventID(tn.SubjectID, paymentID),
			EventType: "PaymentRecorded",
			SubjectID: tn.SubjectID,
			Data:      data,
			Actor:     actor,
		})
	}
	return reqs, nil
}

func eventID(subjectID, key string) string {
	return uuid.NewSHA1(seedNamespace, []byte(subjectID+"/"+key)).String()
}
