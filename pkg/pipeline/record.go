package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/store"
	"xtalrefine/pkg/visualization"
)

// StatusNotIndexed is recorded for patterns without any crystal.
const StatusNotIndexed Status = "not_indexed"

// Summary counts what Record wrote.
type Summary struct {
	Patterns    int
	Indexed     int
	Crystals    int
	Reflections int
}

// Record writes the results of a run to the store. Patterns without
// crystals get a single record with status not_indexed, or failed if
// the pattern could not be processed. The
// reflections of each refined crystal go to reflectionsDir as Parquet,
// unless reflectionsDir is empty.
func Record(st *store.Store, runID string, results []PatternResult, reflectionsDir string) (Summary, error) {
	var sum Summary
	if reflectionsDir != "" {
		if err := os.MkdirAll(reflectionsDir, 0755); err != nil {
			return sum, fmt.Errorf("failed to create reflections directory: %w", err)
		}
	}

	for _, res := range results {
		sum.Patterns++

		if res.Err != nil || len(res.Crystals) == 0 {
			status := StatusNotIndexed
			if res.Err != nil {
				status = StatusFailed
			}
			rec := &store.CrystalRecord{RunID: runID, Pattern: res.Name, Status: string(status)}
			if err := st.InsertCrystal(rec); err != nil {
				return sum, fmt.Errorf("recording %s: %w", res.Name, err)
			}
			continue
		}

		if res.Indexed() {
			sum.Indexed++
		}

		for _, c := range res.Crystals {
			rec := crystalRecord(runID, res.Name, c)
			if err := st.InsertCrystal(rec); err != nil {
				return sum, fmt.Errorf("recording %s: %w", res.Name, err)
			}
			sum.Crystals++

			if reflectionsDir == "" || c.Status != StatusRefined {
				continue
			}
			rows := store.ReflectionRows(rec.CrystalID, c.Reflections)
			path := filepath.Join(reflectionsDir, rec.CrystalID+".parquet")
			if err := store.WriteReflections(path, rows); err != nil {
				return sum, err
			}
			sum.Reflections += len(rows)
		}
	}

	return sum, nil
}

func crystalRecord(runID, pattern string, c CrystalResult) *store.CrystalRecord {
	rec := &store.CrystalRecord{
		RunID:         runID,
		Pattern:       pattern,
		Status:        string(c.Status),
		ProfileRadius: c.Crystal.ProfileRadius,
		Pairs:         c.Metrics.Pairs,
	}
	rec.AStar, rec.BStar, rec.CStar = c.Crystal.Cell.Reciprocal()
	rec.PointGroup = c.Crystal.Cell.PointGroup()
	if c.Stats != nil {
		rec.Cycles = c.Stats.Cycles
		if n := len(c.Stats.Residuals); n > 0 {
			rec.Residual = c.Stats.Residuals[n-1].Total()
		}
		if rec.Pairs == 0 {
			rec.Pairs = c.Stats.Pairs
		}
	}
	return rec
}

// render writes the overlay of the predictions on the pattern and the
// residual plot for one refined crystal.
func render(dir, pattern string, index int, img *models.Image, c CrystalResult) error {
	base := strings.TrimSuffix(filepath.Base(pattern), filepath.Ext(pattern))
	base = fmt.Sprintf("%s_%d", base, index)

	canvas, err := visualization.NewViewer(img, 0).Overlay(c.Reflections)
	if err != nil {
		return err
	}
	if err := visualization.SavePNG(canvas, filepath.Join(dir, base+"_overlay.png")); err != nil {
		return err
	}
	return visualization.SaveResidualPlot(c.Stats, pattern, filepath.Join(dir, base+"_residuals.png"))
}
