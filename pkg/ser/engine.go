// Package ser implements the Sentence Edit Rate (SER) calculation engine.
//
// SER is the token-level edit distance between a hypothesis (machine or
// machine-corrected transcription) and a reference text, expressed as a
// percentage of the reference length. Alongside the headline score the engine
// reports the share of insertions, deletions and moves, and a derived quality
// score (100 - SER, floored at 0).
//
// The pipeline for a single comparison is:
//
//  1. Normalise both strings: lowercase, collapse whitespace, strip
//     punctuation, trim.
//  2. Tokenise on whitespace.
//  3. Compute the edit distance and the insertion/deletion/move counts with a
//     [Scorer].
//  4. Floor both token counts at 1 so that empty input never divides by zero.
//  5. Convert counts to percentages and build an immutable [Metrics].
//
// [Engine.CalculateBatch] scores independent pairs in parallel and returns the
// results in input order. All types in this package are safe for concurrent use.
package ser

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// SignificantImprovementPoints is the minimum SER drop, in percentage points,
// that counts as a significant improvement.
const SignificantImprovementPoints = 5.0

// Pair is one hypothesis/reference input to [Engine.CalculateBatch].
type Pair struct {
	Hypothesis string `json:"hypothesis"`
	Reference  string `json:"reference"`
}

// Comparison describes how a corrected text scores against the original one.
type Comparison struct {
	Original  Metrics `json:"original"`
	Corrected Metrics `json:"corrected"`

	// Improvement is original SER minus corrected SER, in percentage points.
	// Negative values mean the correction made things worse.
	Improvement float64 `json:"improvement"`

	// ImprovementPercentage is Improvement relative to the original SER.
	// Zero when the original SER is zero.
	ImprovementPercentage float64 `json:"improvement_percentage"`

	// IsSignificantImprovement is true when Improvement is at least
	// [SignificantImprovementPoints].
	IsSignificantImprovement bool `json:"is_significant_improvement"`

	// QualityLevelImproved is true when the quality level changed and the
	// SER strictly decreased.
	QualityLevelImproved bool `json:"quality_level_improved"`
}

// Recorder observes engine activity. [observe.Metrics] implements it; a nil
// Recorder disables recording.
type Recorder interface {
	RecordSERCalculation(ctx context.Context, serScore float64, level string)
	RecordSERBatch(ctx context.Context, size int, d time.Duration)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConcurrency bounds the number of pairs scored in parallel by
// [Engine.CalculateBatch]. Values < 1 fall back to GOMAXPROCS.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// WithRecorder attaches a [Recorder] that observes every calculation.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// Engine orchestrates normalisation, tokenisation and scoring.
// Engine is read-only after construction and safe for concurrent use.
type Engine struct {
	scorer      Scorer
	concurrency int
	recorder    Recorder
}

// NewEngine returns an [Engine] configured with opts.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	if e.concurrency < 1 {
		e.concurrency = runtime.GOMAXPROCS(0)
	}
	return e
}

// Normalize lowercases text, collapses whitespace runs, strips punctuation
// (anything that is not a letter, digit, underscore or whitespace) and trims.
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	collapsed := strings.Join(strings.Fields(lowered), " ")
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, collapsed)
	return strings.TrimSpace(stripped)
}

// Tokenize splits normalised text on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Calculate scores hypothesis against reference.
//
// Text that is empty after normalisation is scored against a length floor of
// one token, so the result is always defined. The returned error wraps
// [apperr.ErrComputation] and only occurs if the derived numbers fail
// validation.
func (e *Engine) Calculate(hypothesis, reference string) (Metrics, error) {
	return e.calculate(context.Background(), hypothesis, reference)
}

// CalculateContext is [Engine.Calculate] with a context for the [Recorder].
func (e *Engine) CalculateContext(ctx context.Context, hypothesis, reference string) (Metrics, error) {
	return e.calculate(ctx, hypothesis, reference)
}

func (e *Engine) calculate(ctx context.Context, hypothesis, reference string) (Metrics, error) {
	hyp := Tokenize(Normalize(hypothesis))
	ref := Tokenize(Normalize(reference))

	distance := e.scorer.Distance(hyp, ref)
	insertions := e.scorer.CountInsertions(hyp, ref)
	deletions := e.scorer.CountDeletions(hyp, ref)
	moves := e.scorer.CountMoves(hyp, ref)

	refLen := max(1, len(ref))
	hypLen := max(1, len(hyp))

	serScore := float64(distance) / float64(refLen) * 100
	m, err := NewMetrics(MetricsParams{
		SERScore:         serScore,
		InsertPercentage: float64(insertions) / float64(refLen) * 100,
		DeletePercentage: float64(deletions) / float64(hypLen) * 100,
		MovePercentage:   float64(moves) / float64(refLen) * 100,
		EditDistance:     distance,
		ReferenceLength:  refLen,
		HypothesisLength: hypLen,
		QualityScore:     qualityFor(serScore),
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("ser: calculate: %w: %w", apperr.ErrComputation, err)
	}

	if e.recorder != nil {
		e.recorder.RecordSERCalculation(ctx, m.SERScore(), string(m.QualityLevel()))
	}
	return m, nil
}

// CalculateBatch scores every pair independently. Pairs are processed in
// parallel (bounded by [WithConcurrency]); the result slice has the same
// length and order as pairs.
//
// The first calculation error aborts the batch. Context cancellation is
// checked before each pair is scored.
func (e *Engine) CalculateBatch(ctx context.Context, pairs []Pair) ([]Metrics, error) {
	start := time.Now()
	results := make([]Metrics, len(pairs))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.concurrency)

	for i, p := range pairs {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			m, err := e.calculate(egCtx, p.Hypothesis, p.Reference)
			if err != nil {
				return fmt.Errorf("ser: batch item %d: %w", i, err)
			}
			results[i] = m
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if e.recorder != nil {
		e.recorder.RecordSERBatch(ctx, len(pairs), time.Since(start))
	}
	return results, nil
}

// Compare derives the improvement of corrected over original.
func (e *Engine) Compare(original, corrected Metrics) Comparison {
	return Compare(original, corrected)
}

// Compare derives the improvement of corrected over original. It is the
// package-level form of [Engine.Compare].
func Compare(original, corrected Metrics) Comparison {
	improvement := original.SERScore() - corrected.SERScore()

	var pct float64
	if original.SERScore() > 0 {
		pct = improvement / original.SERScore() * 100
	}

	return Comparison{
		Original:                 original,
		Corrected:                corrected,
		Improvement:              improvement,
		ImprovementPercentage:    pct,
		IsSignificantImprovement: improvement >= SignificantImprovementPoints,
		QualityLevelImproved: original.QualityLevel() != corrected.QualityLevel() &&
			corrected.SERScore() < original.SERScore(),
	}
}

// Round2 rounds v to two decimal places. Scores and rates are reported with
// this precision.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
