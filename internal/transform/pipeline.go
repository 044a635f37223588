package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"reelflow/internal/metrics"
	"reelflow/internal/tempstore"
)

type Stage string

const (
	StageClassify Stage = "classify"
	StageEncode   Stage = "encode"
)

// TransformError reports which step of the pipeline failed for an input.
type TransformError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Result is the publish-ready output of one run. Path equals the input path
// for PassThrough.
type Result struct {
	Path     string
	Decision Decision
	Media    Media
}

type Pipeline struct {
	prober  Prober
	encoder Encoder
	profile Profile
	dir     string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type PipelineOptions struct {
	Prober  Prober
	Encoder Encoder
	Profile Profile
	// Dir receives encoder output files.
	Dir     string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return &Pipeline{
		prober:  opts.Prober,
		encoder: opts.Encoder,
		profile: opts.Profile,
		dir:     dir,
		logger:  logger.With(zap.String("component", "transform")),
		metrics: opts.Metrics,
	}
}

// Run classifies in and produces the file to publish. It never modifies or
// removes in, so it may be re-run on the same input.
func (p *Pipeline) Run(ctx context.Context, in *tempstore.StagedFile) (Result, error) {
	start := time.Now()

	media, err := p.prober.Probe(ctx, in.Path())
	if err != nil {
		return Result{}, &TransformError{Stage: StageClassify, Path: in.Path(), Err: err}
	}
	size, err := in.Size()
	if err != nil {
		return Result{}, &TransformError{Stage: StageClassify, Path: in.Path(), Err: err}
	}

	decision := Decide(media, size, p.profile.Limits)
	log := p.logger.With(
		zap.String("path", in.Path()),
		zap.Stringer("decision", decision),
		zap.Stringer("orientation", media.Orientation()),
		zap.Int64("size", size),
	)

	var result Result
	switch decision {
	case PassThrough:
		result = Result{Path: in.Path(), Decision: decision, Media: media}
	case Recompress, ReframeWithBlur:
		out, err := p.encode(ctx, in.Path(), decision, media)
		if err != nil {
			log.Error("encode failed", zap.Error(err))
			return Result{}, &TransformError{Stage: StageEncode, Path: in.Path(), Err: err}
		}
		result = Result{Path: out, Decision: decision, Media: media}
	default:
		return Result{}, &TransformError{Stage: StageClassify, Path: in.Path(), Err: fmt.Errorf("unhandled decision %d", decision)}
	}

	elapsed := time.Since(start)
	p.metrics.ObserveTransform(decision.String(), elapsed)
	log.Info("transform complete", zap.String("output", result.Path), zap.Duration("elapsed", elapsed))
	return result, nil
}

// encode writes to a fresh temp file and removes it again if the encoder fails.
func (p *Pipeline) encode(ctx context.Context, input string, d Decision, media Media) (string, error) {
	f, err := os.CreateTemp(p.dir, "reelflow-*.mp4")
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	out := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("create output: %w", err)
	}

	err = p.encoder.Encode(ctx, EncodeJob{Input: input, Output: out, Decision: d, Media: media})
	if err != nil {
		if rmErr := os.Remove(out); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			p.logger.Warn("failed to remove partial output", zap.String("path", out), zap.Error(rmErr))
		}
		return "", err
	}
	return out, nil
}
