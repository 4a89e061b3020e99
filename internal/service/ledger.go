package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/rentledger/internal/chain"
	"github.com/jmerrifield20/rentledger/internal/insight"
	"github.com/jmerrifield20/rentledger/internal/ledger"
	"go.uber.org/zap"
)

// AppendRequest is a producer's request to record one event.
type AppendRequest struct {
	// EventID is optional. Producers retrying after a timeout resend the id
	// returned by (or chosen for) the first attempt to get an idempotent replay.
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type"`
	SubjectID string          `json:"subject_id"`
	Data      json.RawMessage `json:"data"`
	Actor     ledger.Actor    `json:"actor"`
}

// AppendResult is returned by AppendEvent.
type AppendResult struct {
	Event *ledger.LedgerEvent

	// Replayed is true when an identical event with the same id was already
	// recorded and nothing new was written.
	Replayed bool
}

// ChainView is the user-facing view of a subject's chain.
type ChainView struct {
	SubjectID string        `json:"subject_id"`
	Length    int           `json:"length"`
	Root      string        `json:"root"`
	Blocks    []chain.Block `json:"blocks"`
}

// Publisher receives every newly appended event.
// *publish.Publisher satisfies this interface.
type Publisher interface {
	Publish(ev *ledger.LedgerEvent) error
}

// AppendRecordFunc is an optional callback invoked for every append outcome:
// "created", "replayed", "invalid", "conflict" or "unavailable".
type AppendRecordFunc func(eventType, outcome string)

// LedgerService exposes the ledger core to routes, schedulers and the CLI.
type LedgerService struct {
	store        ledger.Store
	factory      *ledger.Factory
	builder      *chain.Builder
	verifier     *chain.Verifier
	processor    *insight.Processor
	publisher    Publisher // nil = no publication
	sealOnAppend bool
	onAppend     AppendRecordFunc
	logger       *zap.Logger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(
	store ledger.Store,
	factory *ledger.Factory,
	builder *chain.Builder,
	verifier *chain.Verifier,
	processor *insight.Processor,
	logger *zap.Logger,
) *LedgerService {
	return &LedgerService{
		store:     store,
		factory:   factory,
		builder:   builder,
		verifier:  verifier,
		processor: processor,
		logger:    logger,
	}
}

// SetPublisher publishes every appended event, including insights written by
// the processor.
func (s *LedgerService) SetPublisher(p Publisher) {
	s.publisher = p
	s.processor.SetAppendHook(func(_ context.Context, ev *ledger.LedgerEvent) {
		s.publish(ev)
	})
}

// SetSealOnAppend makes every successful append seal the subject's chain.
func (s *LedgerService) SetSealOnAppend(on bool) {
	s.sealOnAppend = on
}

// SetAppendRecord configures the append metrics callback.
func (s *LedgerService) SetAppendRecord(fn AppendRecordFunc) {
	s.onAppend = fn
}

// AppendEvent validates req, wraps it in an envelope and appends it.
//
// A request carrying the id of an identical, already recorded event is a
// replay: the stored event is returned with Replayed set. The same id with
// different content fails with ledger.ErrDuplicateEvent.
func (s *LedgerService) AppendEvent(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	res, err := s.appendEvent(ctx, req)
	s.recordAppend(req.EventType, res, err)
	return res, err
}

func (s *LedgerService) appendEvent(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: data is required", ledger.ErrInvalidEvent)
	}
	data, err := s.factory.Decode(req.EventType, req.Data)
	if err != nil {
		return nil, err
	}
	if req.Actor.System == "" {
		req.Actor.System = "api"
	}
	var opts []ledger.CreateOption
	if req.EventID != "" {
		opts = append(opts, ledger.WithEventID(req.EventID))
	}
	ev, err := s.factory.Create(req.EventType, req.SubjectID, data, req.Actor, opts...)
	if err != nil {
		return nil, err
	}

	if req.EventID != "" {
		existing, err := s.store.Get(ctx, req.EventID)
		switch {
		case err == nil && existing.SameContent(ev):
			return &AppendResult{Event: existing, Replayed: true}, nil
		case err == nil:
			return nil, fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, req.EventID)
		case !errors.Is(err, ledger.ErrNotFound):
			return nil, err
		}
	}

	if err := s.store.Append(ctx, ev); err != nil {
		return nil, err
	}
	s.logger.Info("ledger event appended",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
		zap.String("subject_id", ev.SubjectID),
	)
	s.publish(ev)

	if s.sealOnAppend {
		if _, err := s.builder.Seal(ctx, ev.SubjectID); err != nil {
			// The event is durable; the next seal will pick it up.
			s.logger.Warn("seal after append failed",
				zap.String("subject_id", ev.SubjectID),
				zap.Error(err),
			)
		}
	}
	return &AppendResult{Event: ev}, nil
}

// Events lists a subject's events in chain order, optionally filtered by type.
func (s *LedgerService) Events(ctx context.Context, subjectID, eventType string) ([]*ledger.LedgerEvent, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ledger.ErrInvalidEvent)
	}
	evs, err := s.store.QueryBySubject(ctx, subjectID, eventType)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []*ledger.LedgerEvent{}
	}
	return evs, nil
}

// Chain returns the subject's freshly built chain.
func (s *LedgerService) Chain(ctx context.Context, subjectID string) (*ChainView, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ledger.ErrInvalidEvent)
	}
	blocks, err := s.builder.Build(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &ChainView{
		SubjectID: subjectID,
		Length:    len(blocks),
		Root:      chain.Root(blocks),
		Blocks:    blocks,
	}, nil
}

// Seal anchors the subject's chain and updates its events' chain status.
func (s *LedgerService) Seal(ctx context.Context, subjectID string) (*chain.SealResult, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ledger.ErrInvalidEvent)
	}
	return s.builder.Seal(ctx, subjectID)
}

// Verify checks the subject's chain against its anchors.
func (s *LedgerService) Verify(ctx context.Context, subjectID string) (*chain.VerifyResult, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ledger.ErrInvalidEvent)
	}
	return s.verifier.Verify(ctx, subjectID)
}

// RunInsightProcessor runs the insight processor once.
func (s *LedgerService) RunInsightProcessor(ctx context.Context, limit int) (*insight.RunResult, error) {
	return s.processor.Run(ctx, limit)
}

// LatestInsight returns the subject's most recent insight.
func (s *LedgerService) LatestInsight(ctx context.Context, subjectID string) (*insight.Insight, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ledger.ErrInvalidEvent)
	}
	return insight.Latest(ctx, s.store, subjectID)
}

func (s *LedgerService) publish(ev *ledger.LedgerEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ev); err != nil {
		s.logger.Warn("publish event", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

func (s *LedgerService) recordAppend(eventType string, res *AppendResult, err error) {
	if s.onAppend == nil {
		return
	}
	s.onAppend(eventType, AppendOutcome(res, err))
}

// AppendOutcome classifies the result of AppendEvent for metrics and logs.
func AppendOutcome(res *AppendResult, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "created"
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return "conflict"
	case ledger.IsRetryable(err):
		return "unavailable"
	default:
		return "invalid"
	}
}
