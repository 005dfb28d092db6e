package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/parquet-go/parquet-go"

	"xtalrefine/internal/models"
)

// ReflectionRow is one reflection of one crystal as written to Parquet.
type ReflectionRow struct {
	CrystalID  string  `parquet:"crystal_id"`
	H          int32   `parquet:"h"`
	K          int32   `parquet:"k"`
	L          int32   `parquet:"l"`
	FS         float64 `parquet:"fs"`
	SS         float64 `parquet:"ss"`
	RLow       float64 `parquet:"rlow"`
	RHigh      float64 `parquet:"rhigh"`
	Partiality float64 `parquet:"partiality"`
	Intensity  float64 `parquet:"intensity"`
	Panel      string  `parquet:"panel"`
}

// ReflectionRows converts the predicted reflections of a crystal.
func ReflectionRows(crystalID string, list models.RefList) []ReflectionRow {
	rows := make([]ReflectionRow, 0, len(list))
	for _, r := range list {
		if !r.Predicted {
			continue
		}
		row := ReflectionRow{
			CrystalID:  crystalID,
			H:          int32(r.H),
			K:          int32(r.K),
			L:          int32(r.L),
			FS:         r.FS,
			SS:         r.SS,
			RLow:       r.RLow,
			RHigh:      r.RHigh,
			Partiality: r.Partiality,
			Intensity:  r.Intensity,
		}
		if r.Panel != nil {
			row.Panel = r.Panel.Name
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteReflections writes rows to a Parquet file.
func WriteReflections(path string, rows []ReflectionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	w := parquet.NewGenericWriter[ReflectionRow](file)
	if _, err := w.Write(rows); err != nil {
		file.Close()
		return fmt.Errorf("failed to write reflections: %w", err)
	}
	if err := w.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return file.Close()
}

// ReadReflections loads all rows from a Parquet file written by
// WriteReflections.
func ReadReflections(path string) ([]ReflectionRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}
	slog.Debug("Parquet file opened", "path", path, "num_rows", pf.NumRows())

	reader := parquet.NewGenericReader[ReflectionRow](pf)
	defer reader.Close()

	var out []ReflectionRow
	batch := make([]ReflectionRow, 256)
	for {
		n, err := reader.Read(batch)
		out = append(out, batch[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read reflections: %w", err)
		}
	}
	return out, nil
}
