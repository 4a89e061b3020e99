package insight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jmerrifield20/rentledger/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config holds processor configuration.
type Config struct {
	// Concurrency bounds the number of subjects scored at once.
	Concurrency int

	// Actor is recorded on every insight the processor appends.
	Actor ledger.Actor
}

// Failure records why one subject could not be processed.
type Failure struct {
	SubjectID string `json:"subject_id"`
	Error     string `json:"error"`
}

// RunResult summarises one processor run. WrittenInsights is lower than
// ProcessedSubjects when subjects were skipped, failed or coalesced.
// CoalescedSubjects counts subjects whose insight was written by an
// overlapping run this run waited on, so WrittenInsights summed over runs
// equals the number of insight events appended.
type RunResult struct {
	ScannedEvents     int       `json:"scanned_events"`
	ProcessedSubjects int       `json:"processed_subjects"`
	WrittenInsights   int       `json:"written_insights"`
	CoalescedSubjects int       `json:"coalesced_subjects"`
	SkippedSubjects   int       `json:"skipped_subjects"`
	Failures          []Failure `json:"failures"`
}

// subjectResult is the value shared through singleflight. by identifies the
// run that did the work.
type subjectResult struct {
	outcome outcome
	by      *RunResult
}

// AppendFunc is an optional callback invoked after an insight is appended.
type AppendFunc func(ctx context.Context, ev *ledger.LedgerEvent)

// MetricsRecordFunc is an optional callback recording each subject outcome:
// "written", "coalesced", "skipped" or "failed".
type MetricsRecordFunc func(outcome string)

// Processor scans recent payments and appends one insight per affected subject.
type Processor struct {
	store    ledger.Store
	factory  *ledger.Factory
	scorer   Scorer
	cfg      Config
	inflight singleflight.Group
	onAppend AppendFunc
	onResult MetricsRecordFunc
	logger   *zap.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(store ledger.Store, factory *ledger.Factory, scorer Scorer, cfg Config, logger *zap.Logger) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Actor.System == "" {
		cfg.Actor.System = "insight-processor"
	}
	return &Processor{
		store:   store,
		factory: factory,
		scorer:  scorer,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetAppendHook configures the callback run after each appended insight.
func (p *Processor) SetAppendHook(fn AppendFunc) {
	p.onAppend = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (p *Processor) SetMetricsRecord(fn MetricsRecordFunc) {
	p.onResult = fn
}

type outcome int

const (
	outcomeWritten outcome = iota
	outcomeSkipped
)

// Run reads up to limit of the most recent payments, then rescores every
// subject they mention over that subject's full payment history.
//
// A failure for one subject is recorded in RunResult.Failures and never
// stops the others. If ctx is cancelled no further subjects are started;
// the partial result is returned together with ctx.Err().
func (p *Processor) Run(ctx context.Context, limit int) (*RunResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ledger.ErrInvalidEvent)
	}
	batch, err := p.store.QueryByType(ctx, ledger.EventPaymentRecorded, ledger.QueryOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("scan payments: %w", err)
	}

	res := &RunResult{ScannedEvents: len(batch), Failures: []Failure{}}
	subjects := distinctSubjects(batch)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)

	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			v, err, _ := p.inflight.Do(subject, func() (any, error) {
				o, err := p.processSubject(ctx, subject)
				return subjectResult{outcome: o, by: res}, err
			})

			mu.Lock()
			defer mu.Unlock()
			res.ProcessedSubjects++
			switch {
			case err != nil:
				res.Failures = append(res.Failures, Failure{SubjectID: subject, Error: err.Error()})
				p.record("failed")
				p.logger.Warn("insight: subject failed",
					zap.String("subject_id", subject),
					zap.Error(err),
				)
			case v.(subjectResult).outcome == outcomeSkipped:
				res.SkippedSubjects++
				p.record("skipped")
			case v.(subjectResult).by != res:
				res.CoalescedSubjects++
				p.record("coalesced")
				p.logger.Debug("insight: coalesced with a concurrent run", zap.String("subject_id", subject))
			default:
				res.WrittenInsights++
				p.record("written")
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Failures, func(i, j int) bool {
		return res.Failures[i].SubjectID < res.Failures[j].SubjectID
	})

	p.logger.Info("insight: run complete",
		zap.Int("scanned", res.ScannedEvents),
		zap.Int("processed", res.ProcessedSubjects),
		zap.Int("written", res.WrittenInsights),
		zap.Int("coalesced", res.CoalescedSubjects),
		zap.Int("failed", len(res.Failures)),
	)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Processor) processSubject(ctx context.Context, subjectID string) (outcome, error) {
	history, err := p.store.QueryBySubject(ctx, subjectID, ledger.EventPaymentRecorded)
	if err != nil {
		return 0, fmt.Errorf("load payment history: %w", err)
	}
	payments := make([]ledger.PaymentRecorded, 0, len(history))
	for _, ev := range history {
		pay, ok := ev.Data.(ledger.PaymentRecorded)
		if !ok {
			return 0, fmt.Errorf("%w: event %s has payload %T", ErrInvalidPayment, ev.EventID, ev.Data)
		}
		payments = append(payments, pay)
	}

	in, err := p.scorer.Score(subjectID, payments)
	if err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	if in == nil {
		return outcomeSkipped, nil
	}

	ev, err := p.factory.Create(ledger.EventInsightGenerated, subjectID, *in, p.cfg.Actor)
	if err != nil {
		return 0, err
	}
	if err := p.store.Append(ctx, ev); err != nil {
		return 0, fmt.Errorf("append insight: %w", err)
	}
	if p.onAppend != nil {
		p.onAppend(ctx, ev)
	}
	return outcomeWritten, nil
}

func (p *Processor) record(outcome string) {
	if p.onResult != nil {
		p.onResult(outcome)
	}
}

// distinctSubjects returns the non-empty subjects of batch in first-seen order.
func distinctSubjects(batch []*ledger.LedgerEvent) []string {
	seen := make(map[string]struct{}, len(batch))
	var out []string
	for _, ev := range batch {
		if ev.SubjectID == "" {
			continue
		}
		if _, ok := seen[ev.SubjectID]; ok {
			continue
		}
		seen[ev.SubjectID] = struct{}{}
		out = append(out, ev.SubjectID)
	}
	return out
}

// IsCancelled reports whether err came from a cancelled or expired run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
