package indexing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
)

// externalPeak is one mapped peak as written to the external program.
type externalPeak struct {
	FS        float64 `yaml:"fs"`
	SS        float64 `yaml:"ss"`
	RX        float64 `yaml:"rx"`
	RY        float64 `yaml:"ry"`
	RZ        float64 `yaml:"rz"`
	Intensity float64 `yaml:"intensity"`
}

// externalBasis is a reciprocal basis in m^-1.
type externalBasis struct {
	AStar [3]float64 `yaml:"astar,flow"`
	BStar [3]float64 `yaml:"bstar,flow"`
	CStar [3]float64 `yaml:"cstar,flow"`
}

// externalRequest is written to the program's standard input.
type externalRequest struct {
	Lambda float64        `yaml:"lambda"`
	Cell   externalBasis  `yaml:"cell"`
	Peaks  []externalPeak `yaml:"peaks"`
}

// externalResponse is read from the program's standard output.
type externalResponse struct {
	Crystals []externalBasis `yaml:"crystals"`
}

// externalIndexer hands the peak list to another program and reads back
// the reciprocal bases it found.
type externalIndexer struct {
	command []string
	cell    *cell.UnitCell
	radius  float64
	logger  *slog.Logger
}

func (e *externalIndexer) Method() Method { return External }

func (e *externalIndexer) Attempt(ctx context.Context, img *models.Image) ([]*models.Crystal, error) {
	req := externalRequest{Lambda: img.Lambda}
	as, bs, cs := e.cell.Reciprocal()
	req.Cell = externalBasis{AStar: toArray(as), BStar: toArray(bs), CStar: toArray(cs)}
	for _, f := range img.Features {
		if !f.Mapped {
			continue
		}
		req.Peaks = append(req.Peaks, externalPeak{
			FS: f.FS, SS: f.SS, RX: f.RX, RY: f.RY, RZ: f.RZ, Intensity: f.Intensity,
		})
	}

	input, err := yaml.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encoding peaks: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w: %s", e.command[0], err, strings.TrimSpace(stderr.String()))
	}

	var resp externalResponse
	if err := yaml.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("reading output of %s: %w", e.command[0], err)
	}

	crystals := make([]*models.Crystal, 0, len(resp.Crystals))
	for i, b := range resp.Crystals {
		c, err := cell.NewFromReciprocal(toVec(b.AStar), toVec(b.BStar), toVec(b.CStar))
		if err != nil {
			e.logger.Warn("Ignoring solution from external indexer", "index", i, "error", err)
			continue
		}
		c.SetPointGroup(e.cell.PointGroup())
		crystals = append(crystals, models.NewCrystal(c, e.radius))
	}

	e.logger.Debug("External indexer finished", "command", e.command[0],
		"peaks", len(req.Peaks), "crystals", len(crystals))

	return crystals, nil
}

func (e *externalIndexer) Close() error { return nil }

func toArray(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func toVec(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}
