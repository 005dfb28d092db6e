// Package pipeline runs the per-pattern processing chain: map the peaks,
// index, estimate the profile radius, refine the orientation and estimate
// the radius again. Patterns are processed in parallel, each one by a
// single goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/geometry"
	"xtalrefine/pkg/indexing"
	"xtalrefine/pkg/progress"
	"xtalrefine/pkg/refine"
)

// Status is the outcome for one crystal.
type Status string

const (
	StatusRefined           Status = "refined"
	StatusInsufficientPairs Status = "insufficient_pairs"
	StatusSolverFailure     Status = "solver_failure"
	StatusNoPositivePeaks   Status = "no_positive_peaks"
	StatusFailed            Status = "failed"
)

// statusFor classifies a refinement error.
func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusRefined
	case errors.Is(err, refine.ErrInsufficientPairs):
		return StatusInsufficientPairs
	case errors.Is(err, refine.ErrSolverFailure):
		return StatusSolverFailure
	case errors.Is(err, refine.ErrNoPositivePeaks):
		return StatusNoPositivePeaks
	default:
		return StatusFailed
	}
}

// Params holds the pipeline settings.
type Params struct {
	// NumWorkers is how many patterns are processed at once
	NumWorkers int

	// KeepRejected keeps crystals which failed refinement in the results,
	// with their status, instead of dropping them
	KeepRejected bool

	// RenderDir receives an overlay and a residual plot per refined
	// crystal, if set
	RenderDir string

	Logger   *slog.Logger
	Progress *progress.Reporter
}

// CrystalResult is one crystal found in a pattern.
type CrystalResult struct {
	Crystal *models.Crystal
	Status  Status
	Stats   *refine.Stats
	Metrics Metrics

	// Reflections holds the final predictions for the paired peaks
	Reflections models.RefList

	Err error
}

// PatternResult is the outcome for one pattern.
type PatternResult struct {
	ID       string
	Name     string
	Unmapped int
	Crystals []CrystalResult
	Err      error
}

// Indexed reports whether at least one crystal was refined.
func (r *PatternResult) Indexed() bool {
	for _, c := range r.Crystals {
		if c.Status == StatusRefined {
			return true
		}
	}
	return false
}

// Processor runs the pipeline with one indexer and one predictor.
type Processor struct {
	params    Params
	indexer   indexing.Indexer
	predictor refine.Predictor
	refiner   *refine.Refiner
	logger    *slog.Logger
}

// NewProcessor creates a processor. The indexer and predictor must be safe
// for concurrent use when NumWorkers is more than one.
func NewProcessor(idx indexing.Indexer, pred refine.Predictor, params Params) *Processor {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if params.NumWorkers <= 0 {
		params.NumWorkers = runtime.NumCPU()
	}
	return &Processor{
		params:    params,
		indexer:   idx,
		predictor: pred,
		refiner:   refine.NewRefiner(pred, logger),
		logger:    logger,
	}
}

// Process runs the full chain on one pattern.
func (p *Processor) Process(ctx context.Context, name string, img *models.Image) PatternResult {
	res := PatternResult{ID: uuid.New().String(), Name: name}
	logger := p.logger.With("pattern", name)

	// Step 1: map the peaks to reciprocal space
	res.Unmapped = geometry.MapFeatures(img, logger)

	// Step 2: find candidate orientations
	crystals, err := p.indexer.Attempt(ctx, img)
	if err != nil {
		res.Err = fmt.Errorf("indexing with %s: %w", p.indexer.Method(), err)
		return res
	}
	if len(crystals) == 0 {
		logger.Info("Pattern not indexed", "method", p.indexer.Method().String())
		return res
	}

	for i, cr := range crystals {
		cres := p.refineCrystal(img, cr, logger.With("crystal", i))
		if cres.Status != StatusRefined && !p.params.KeepRejected {
			continue
		}
		if cres.Status == StatusRefined && p.params.RenderDir != "" {
			if err := render(p.params.RenderDir, name, i, img, cres); err != nil {
				logger.Warn("Failed to render crystal", "crystal", i, "error", err)
			}
		}
		res.Crystals = append(res.Crystals, cres)
	}

	return res
}

// refineCrystal estimates the radius, refines the orientation and
// estimates the radius again with the refined cell.
func (p *Processor) refineCrystal(img *models.Image, cr *models.Crystal, logger *slog.Logger) CrystalResult {
	out := CrystalResult{Crystal: cr}

	// Step 3: first radius estimate
	if err := p.refiner.RefineRadius(cr, img); err != nil {
		out.Status, out.Err = statusFor(err), err
		logger.Warn("Rejecting crystal", "step", "radius", "error", err)
		return out
	}

	// Step 4: orientation refinement
	stats, err := p.refiner.RefinePrediction(img, cr)
	out.Stats = stats
	if err != nil {
		out.Status, out.Err = statusFor(err), err
		logger.Warn("Rejecting crystal", "step", "refinement", "error", err)
		return out
	}

	// Step 5: radius again with the refined cell
	if err := p.refiner.RefineRadius(cr, img); err != nil {
		out.Status, out.Err = statusFor(err), err
		logger.Warn("Rejecting crystal", "step", "final radius", "error", err)
		return out
	}

	// Step 6: quality metrics
	out.Metrics, out.Reflections, err = ComputeMetrics(img, cr, p.predictor)
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		return out
	}

	out.Status = StatusRefined
	logger.Debug("Crystal refined",
		"cell", cr.Cell.String(),
		"profileRadius", cr.ProfileRadius,
		"pairs", out.Metrics.Pairs,
		"positionRMS", out.Metrics.PositionRMS)
	return out
}

// Job is one pattern to process.
type Job struct {
	Name string

	// Load reads the pattern. It is called on the worker goroutine.
	Load func() (*models.Image, error)
}

// ProcessAll runs Process over all jobs using NumWorkers goroutines. The
// results are in job order. Loading errors are reported in the result of
// the pattern concerned and do not stop the others.
func (p *Processor) ProcessAll(ctx context.Context, jobs []Job) []PatternResult {
	results := make([]PatternResult, len(jobs))
	done := make([]bool, len(jobs))

	type processingResult struct {
		idx int
		res PatternResult
	}
	resultChan := make(chan processingResult)
	jobChan := make(chan int)

	var wg sync.WaitGroup
	workers := min(p.params.NumWorkers, len(jobs))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobChan {
				resultChan <- processingResult{idx: idx, res: p.runJob(ctx, jobs[idx])}
			}
		}()
	}

	go func() {
		defer close(jobChan)
		for i := range jobs {
			select {
			case jobChan <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	p.params.Progress.ResetTimer()
	completed := 0
	for r := range resultChan {
		results[r.idx] = r.res
		done[r.idx] = true
		completed++
		p.params.Progress.Report(completed, len(jobs), "Processing patterns")
	}

	// Jobs never started because the context ended
	for i := range results {
		if !done[i] {
			results[i] = PatternResult{Name: jobs[i].Name, Err: ctx.Err()}
		}
	}

	return results
}

func (p *Processor) runJob(ctx context.Context, job Job) PatternResult {
	if err := ctx.Err(); err != nil {
		return PatternResult{Name: job.Name, Err: err}
	}
	img, err := job.Load()
	if err != nil {
		p.logger.Error("Failed to load pattern", "pattern", job.Name, "error", err)
		return PatternResult{ID: uuid.New().String(), Name: job.Name, Err: err}
	}
	return p.Process(ctx, job.Name, img)
}
