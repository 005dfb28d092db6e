// Package indexing finds candidate crystal orientations for a pattern.
//
// Each method is an Indexer holding its own session state. They all share
// one entry point, Attempt, which returns zero or more candidate crystals.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/symmetry"
	"xtalrefine/pkg/templates"
)

// ErrUnknownMethod is returned by ParseMethod for unrecognised names.
var ErrUnknownMethod = errors.New("unknown indexing method")

// Method names an indexing method.
type Method int

const (
	// None takes the nominal cell orientation as given
	None Method = iota

	// External runs an external program on the peak list
	External

	// Template matches the pattern against precomputed templates
	Template
)

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case External:
		return "external"
	case Template:
		return "template"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod converts a configuration name into a Method.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return None, nil
	case "external":
		return External, nil
	case "template":
		return Template, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
}

// Indexer attempts to determine the orientation of the crystals in a
// pattern.
type Indexer interface {
	Method() Method

	// Attempt returns the candidate crystals found in img, which must have
	// had its features mapped. An empty result means the pattern could not
	// be indexed.
	Attempt(ctx context.Context, img *models.Image) ([]*models.Crystal, error)

	// Close releases the session state.
	Close() error
}

// Options configures New.
type Options struct {
	// Cell is the nominal unit cell. Its point group is used by the
	// template method.
	Cell *cell.UnitCell

	// ProfileRadius is given to the crystals returned
	ProfileRadius float64

	// Reference supplies the detector and beam for template generation
	Reference *models.Image

	Symmetry    symmetry.Service
	Intersector templates.Intersector
	// Templates configures generation. Its Progress reporter follows
	// generation only, not the per-pattern matching.
	Templates templates.Options

	// Command is the external program and its arguments
	Command []string

	Logger *slog.Logger
}

// New prepares an indexer for the given method. For the template method
// this generates all templates, which is the expensive part.
func New(m Method, opts Options) (Indexer, error) {
	if opts.Cell == nil {
		return nil, errors.New("indexing needs a unit cell")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch m {
	case None:
		return &nominalIndexer{cell: opts.Cell.Clone(), radius: opts.ProfileRadius}, nil

	case External:
		if len(opts.Command) == 0 {
			return nil, errors.New("external indexing needs a command")
		}
		return &externalIndexer{
			command: opts.Command,
			cell:    opts.Cell.Clone(),
			radius:  opts.ProfileRadius,
			logger:  logger,
		}, nil

	case Template:
		if opts.Reference == nil || opts.Symmetry == nil || opts.Intersector == nil {
			return nil, errors.New("template indexing needs a reference image, symmetry and predictions")
		}
		topts := opts.Templates
		if topts.Logger == nil {
			topts.Logger = logger
		}
		s, err := templates.Generate(opts.Cell, opts.Reference, opts.Symmetry, opts.Intersector, topts)
		if err != nil {
			return nil, fmt.Errorf("generating templates: %w", err)
		}
		// Attempt runs once per pattern, possibly on several goroutines at
		// once; the reporter only follows generation
		s.SetProgress(nil)
		return &templateIndexer{session: s, radius: opts.ProfileRadius, logger: logger}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, m)
}

// nominalIndexer returns the nominal cell unchanged.
type nominalIndexer struct {
	cell   *cell.UnitCell
	radius float64
}

func (n *nominalIndexer) Method() Method { return None }

func (n *nominalIndexer) Attempt(ctx context.Context, img *models.Image) ([]*models.Crystal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []*models.Crystal{models.NewCrystal(n.cell.Clone(), n.radius)}, nil
}

func (n *nominalIndexer) Close() error { return nil }

// templateIndexer searches a template session.
type templateIndexer struct {
	session *templates.Session
	radius  float64
	logger  *slog.Logger
}

func (t *templateIndexer) Method() Method { return Template }

func (t *templateIndexer) Attempt(ctx context.Context, img *models.Image) ([]*models.Crystal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := t.session.Match(img)
	if err != nil {
		return nil, err
	}
	if !res.Matched {
		t.logger.Debug("No template matched")
		return nil, nil
	}
	return []*models.Crystal{models.NewCrystal(res.Cell, t.radius)}, nil
}

func (t *templateIndexer) Close() error {
	t.session.Free()
	return nil
}
