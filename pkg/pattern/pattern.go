// Package pattern reads and writes diffraction patterns: a YAML file with
// the beam conditions and peak list, plus an optional TIFF raster.
package pattern

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"xtalrefine/internal/models"
)

const (
	planck       = 6.62607015e-34 // J s
	speedOfLight = 299792458.0    // m/s
	electronVolt = 1.602176634e-19
)

// PhotonEnergyToWavelength converts a photon energy in eV to a wavelength
// in metres.
func PhotonEnergyToWavelength(eV float64) float64 {
	return planck * speedOfLight / (eV * electronVolt)
}

// WavelengthToPhotonEnergy is the inverse of PhotonEnergyToWavelength.
func WavelengthToPhotonEnergy(lambda float64) float64 {
	return planck * speedOfLight / (lambda * electronVolt)
}

// Beam describes the incident beam of one pattern.
type Beam struct {
	// PhotonEnergy in eV. Ignored if Wavelength is set.
	PhotonEnergy float64 `yaml:"photonEnergy,omitempty"`

	// Wavelength in metres
	Wavelength float64 `yaml:"wavelength,omitempty"`

	Bandwidth  float64 `yaml:"bandwidth"`
	Divergence float64 `yaml:"divergence"`
}

// File is the on-disk form of a pattern.
type File struct {
	Beam     Beam                  `yaml:"beam"`
	Detector *models.Detector      `yaml:"detector,omitempty"`
	Raster   string                `yaml:"raster,omitempty"`
	Features []models.ImageFeature `yaml:"features"`
}

// Load reads a pattern file. A relative raster path is resolved against
// the directory of the pattern file. If the file has no detector, det is
// used instead.
func Load(path string, det *models.Detector) (*models.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading pattern file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing pattern file %s: %w", path, err)
	}

	img := &models.Image{
		Features:   f.Features,
		Bandwidth:  f.Beam.Bandwidth,
		Divergence: f.Beam.Divergence,
		Det:        det,
	}

	switch {
	case f.Beam.Wavelength > 0:
		img.Lambda = f.Beam.Wavelength
	case f.Beam.PhotonEnergy > 0:
		img.Lambda = PhotonEnergyToWavelength(f.Beam.PhotonEnergy)
	default:
		return nil, fmt.Errorf("pattern %s has no photon energy or wavelength", path)
	}

	if f.Detector != nil {
		img.Det = f.Detector
	}
	if img.Det == nil {
		return nil, errors.New("no detector geometry for pattern " + path)
	}
	img.Det.UpdateExtents()

	if f.Raster != "" {
		raster := f.Raster
		if !filepath.IsAbs(raster) {
			raster = filepath.Join(filepath.Dir(path), raster)
		}
		if err := ReadRaster(raster, img); err != nil {
			return nil, err
		}
	}

	return img, nil
}

// Save writes img to path. If rasterName is not empty and the image has
// raster data, the raster is written as a TIFF next to the pattern file.
// The detector is written only when includeDetector is set.
func Save(path string, img *models.Image, rasterName string, includeDetector bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating pattern directory: %w", err)
	}

	f := File{
		Beam: Beam{
			PhotonEnergy: WavelengthToPhotonEnergy(img.Lambda),
			Wavelength:   img.Lambda,
			Bandwidth:    img.Bandwidth,
			Divergence:   img.Divergence,
		},
		Features: img.Features,
	}
	if includeDetector {
		f.Detector = img.Det
	}

	if rasterName != "" && img.Data != nil {
		f.Raster = rasterName
		if err := WriteRaster(filepath.Join(filepath.Dir(path), rasterName), img); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("error marshaling pattern: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing pattern file: %w", err)
	}
	return nil
}
