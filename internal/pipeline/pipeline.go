// Package pipeline gates ballot casting behind biometric verification.
//
// A voting attempt runs, for one voter at a time:
//
//	lockout check -> liveness -> enrolled embedding -> extraction -> match -> ledger
//
// Every step that can reject returns a named Outcome. Only infrastructure
// faults and model/config mismatches come back as errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andresmejia3/votegate/internal/keylock"
	"github.com/andresmejia3/votegate/internal/ledger"
	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/liveness"
	"github.com/andresmejia3/votegate/internal/matcher"
	"github.com/andresmejia3/votegate/internal/types"
	"github.com/andresmejia3/votegate/internal/utils"
)

// MutationTimeout bounds the limiter and ledger writes that finish an
// attempt. They run detached from the caller's context.
const MutationTimeout = 5 * time.Second

// Extractor turns a capture into an embedding. Errors wrapping
// types.ErrUnusableCapture mean the capture should be retaken.
type Extractor interface {
	Extract(ctx context.Context, img []byte) (types.Embedding, error)
	Dimension() int
}

// Assessor scores a capture for liveness.
type Assessor interface {
	Assess(ctx context.Context, img []byte) (liveness.Score, error)
}

// EmbeddingStore holds one embedding per voter.
type EmbeddingStore interface {
	PutEmbedding(ctx context.Context, voterID string, e types.Embedding, at time.Time) error
	GetVoter(ctx context.Context, voterID string) (types.Voter, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     EmbeddingStore
	Extractor Extractor
	Liveness  Assessor
	Matcher   *matcher.Matcher
	Limiter   *limiter.Limiter
	Ledger    *ledger.Ledger
	// EmbeddingDim is the dimension stored embeddings must have.
	EmbeddingDim int
	Logger       *slog.Logger
	Clock        func() time.Time
}

type Pipeline struct {
	store     EmbeddingStore
	extractor Extractor
	liveness  Assessor
	matcher   *matcher.Matcher
	limiter   *limiter.Limiter
	ledger    *ledger.Ledger
	dim       int
	logger    *slog.Logger
	now       func() time.Time
	locks     keylock.Locker
}

// New validates d and returns a Pipeline. It fails with
// matcher.ErrDimensionMismatch when the extractor's output does not fit the
// configured embedding dimension.
func New(d Deps) (*Pipeline, error) {
	var missing []string
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if d.Liveness == nil {
		missing = append(missing, "liveness")
	}
	if d.Matcher == nil {
		missing = append(missing, "matcher")
	}
	if d.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if d.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing %s", strings.Join(missing, ", "))
	}
	if d.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("pipeline: embedding dimension must be positive, got %d", d.EmbeddingDim)
	}
	if got := d.Extractor.Dimension(); got != d.EmbeddingDim {
		return nil, fmt.Errorf("%w: extractor produces %d, configured %d", matcher.ErrDimensionMismatch, got, d.EmbeddingDim)
	}

	p := &Pipeline{
		store:     d.Store,
		extractor: d.Extractor,
		liveness:  d.Liveness,
		matcher:   d.Matcher,
		limiter:   d.Limiter,
		ledger:    d.Ledger,
		dim:       d.EmbeddingDim,
		logger:    d.Logger,
		now:       d.Clock,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Enroll stores the embedding of the face in img as voterID's reference,
// replacing any previous one.
func (p *Pipeline) Enroll(ctx context.Context, voterID string, img []byte) (Result, error) {
	start := p.now()
	unlock, err := p.locks.Lock(ctx, voterID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	res, err := p.enroll(ctx, voterID, img)
	p.log(ctx, "enroll", start, voterID, "", img, res, err)
	return res, err
}

func (p *Pipeline) enroll(ctx context.Context, voterID string, img []byte) (Result, error) {
	emb, res, err := p.extract(ctx, img)
	if err != nil || res.Outcome == ExtractionFailed {
		return res, err
	}

	mctx, cancel := p.mutationContext(ctx)
	defer cancel()
	if err := p.store.PutEmbedding(mctx, voterID, emb, p.now().UTC()); err != nil {
		return Result{}, fmt.Errorf("store embedding for %s: %w", voterID, err)
	}
	return Result{Outcome: Enrolled}, nil
}

// VerifyAndVote verifies that img is a live capture of voterID and, if so,
// casts their ballot. Attempts for the same voter are serialised.
func (p *Pipeline) VerifyAndVote(ctx context.Context, voterID, electionID, candidateID string, img []byte) (Result, error) {
	start := p.now()
	unlock, err := p.locks.Lock(ctx, voterID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	res, err := p.verifyAndVote(ctx, voterID, electionID, candidateID, img)
	p.log(ctx, "vote", start, voterID, electionID, img, res, err)
	return res, err
}

func (p *Pipeline) verifyAndVote(ctx context.Context, voterID, electionID, candidateID string, img []byte) (Result, error) {
	state, err := p.limiter.Status(ctx, voterID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Limiter: state}
	if state.Kind == limiter.LockedOut {
		res.Outcome = LockedOut
		return res, nil
	}

	score, err := p.liveness.Assess(ctx, img)
	if errors.Is(err, liveness.ErrUndecodable) {
		res.Outcome = ExtractionFailed
		res.Reason = err.Error()
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("assess liveness: %w", err)
	}
	res.Liveness = score
	res.LivenessChecked = true
	if !score.Passed {
		res.Outcome = SpoofSuspected
		res.Reason = strings.Join(score.SpoofReasons, "; ")
		return p.recordFailure(ctx, voterID, res)
	}

	voter, err := p.store.GetVoter(ctx, voterID)
	if errors.Is(err, types.ErrNotFound) {
		res.Outcome = NotEnrolled
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load voter %s: %w", voterID, err)
	}

	emb, extracted, err := p.extract(ctx, img)
	if err != nil {
		return Result{}, err
	}
	if extracted.Outcome == ExtractionFailed {
		res.Outcome = ExtractionFailed
		res.Reason = extracted.Reason
		return res, nil
	}

	dist, ok, err := p.matcher.Match(emb, voter.Embedding)
	if err != nil {
		return Result{}, fmt.Errorf("match %s: %w", voterID, err)
	}
	res.Distance = dist
	res.Matched = ok
	if !ok {
		res.Outcome = IdentityMismatch
		res.Reason = fmt.Sprintf("distance %.3f > %.3f", dist, p.matcher.Threshold())
		return p.recordFailure(ctx, voterID, res)
	}

	mctx, cancel := p.mutationContext(ctx)
	defer cancel()

	if err := p.limiter.RecordSuccess(mctx, voterID); err != nil {
		return Result{}, err
	}
	res.Limiter = limiter.State{Kind: limiter.Clear}

	ballot, err := p.ledger.CastVote(mctx, voterID, electionID, candidateID)
	switch {
	case err == nil:
		res.Outcome = Voted
		res.Ballot = ballot
	case errors.Is(err, ledger.ErrAlreadyVoted):
		res.Outcome = AlreadyVoted
	case errors.Is(err, ledger.ErrElectionNotActive):
		res.Outcome = ElectionNotActive
		res.Reason = err.Error()
	case errors.Is(err, ledger.ErrUnknownCandidate):
		res.Outcome = UnknownCandidate
		res.Reason = err.Error()
	default:
		return Result{}, err
	}
	return res, nil
}

// extract runs the model. An unusable capture is reported as an
// ExtractionFailed result, not an error.
func (p *Pipeline) extract(ctx context.Context, img []byte) (types.Embedding, Result, error) {
	emb, err := p.extractor.Extract(ctx, img)
	if errors.Is(err, types.ErrUnusableCapture) || errors.Is(err, liveness.ErrUndecodable) {
		return nil, Result{Outcome: ExtractionFailed, Reason: err.Error()}, nil
	}
	if err != nil {
		return nil, Result{}, fmt.Errorf("extract embedding: %w", err)
	}
	if emb.Dim() != p.dim {
		return nil, Result{}, fmt.Errorf("%w: extractor returned %d, configured %d", matcher.ErrDimensionMismatch, emb.Dim(), p.dim)
	}
	return emb, Result{}, nil
}

// recordFailure counts a biometric failure. res already carries the outcome.
func (p *Pipeline) recordFailure(ctx context.Context, voterID string, res Result) (Result, error) {
	mctx, cancel := p.mutationContext(ctx)
	defer cancel()

	state, err := p.limiter.RecordFailure(mctx, voterID)
	if errors.Is(err, limiter.ErrLocked) {
		// Another instance sharing the store locked this voter meanwhile.
		state, err = p.limiter.Status(mctx, voterID)
		if err != nil {
			return Result{}, err
		}
		res.Outcome = LockedOut
		res.Limiter = state
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}
	res.Limiter = state
	return res, nil
}

// mutationContext detaches from the caller's cancellation so an abandoned
// request still finishes the write it started.
func (p *Pipeline) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), MutationTimeout)
}

func (p *Pipeline) log(ctx context.Context, op string, start time.Time, voterID, electionID string, img []byte, res Result, err error) {
	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("voter", voterID),
		slog.String("capture", utils.ImageDigest(img)),
		slog.Duration("elapsed", p.now().Sub(start)),
	}
	if electionID != "" {
		attrs = append(attrs, slog.String("election", electionID))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
		p.logger.LogAttrs(ctx, slog.LevelError, "pipeline run failed", attrs...)
		return
	}

	attrs = append(attrs, slog.String("outcome", res.Outcome.String()))
	if res.LivenessChecked {
		attrs = append(attrs,
			slog.Bool("liveness_passed", res.Liveness.Passed),
			slog.Float64("sharpness", res.Liveness.Sharpness),
			slog.Bool("liveness_degraded", res.Liveness.Degraded),
		)
	}
	if res.Matched || res.Outcome == IdentityMismatch {
		attrs = append(attrs, slog.Bool("match_passed", res.Matched), slog.Float64("distance", res.Distance))
	}
	if op == "vote" {
		attrs = append(attrs, slog.String("limiter", res.Limiter.String()))
	}
	if res.Reason != "" {
		attrs = append(attrs, slog.String("reason", res.Reason))
	}

	level := slog.LevelInfo
	if res.Outcome.Counted() || res.Outcome == LockedOut {
		level = slog.LevelWarn
	}
	p.logger.LogAttrs(ctx, level, "pipeline run", attrs...)
}
