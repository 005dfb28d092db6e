package models

// ImageFeature is an observed peak in a diffraction pattern.
type ImageFeature struct {
	// FS, SS are the raster coordinates of the peak
	FS float64 `yaml:"fs"`
	SS float64 `yaml:"ss"`

	// X, Y are the lab-frame coordinates in metres, relative to the beam.
	// Filled in by the mapping pass.
	X float64 `yaml:"-"`
	Y float64 `yaml:"-"`

	// RX, RY, RZ are the reciprocal-space coordinates (m^-1) of the peak.
	// Filled in by the mapping pass.
	RX float64 `yaml:"-"`
	RY float64 `yaml:"-"`
	RZ float64 `yaml:"-"`

	Intensity float64 `yaml:"intensity"`

	// Mapped is false when the peak does not fall on any panel
	Mapped bool `yaml:"-"`
}

// Image is one diffraction pattern: the raw raster, the peaks found in it
// and the beam conditions it was recorded under.
type Image struct {
	// Data is the raster in row-major order, Width*Height values.
	// It may be nil when only the peak list is known.
	Data   []float32
	Width  int
	Height int

	Features []ImageFeature

	// Lambda is the wavelength in metres
	Lambda float64

	// Bandwidth is the fractional FWHM bandwidth of the beam
	Bandwidth float64

	// Divergence is the full beam divergence in radians
	Divergence float64

	Det *Detector
}

// At returns the raster value at (fs, ss), or zero outside the raster.
func (img *Image) At(fs, ss int) float32 {
	if fs < 0 || ss < 0 || fs >= img.Width || ss >= img.Height || img.Data == nil {
		return 0
	}
	return img.Data[fs+img.Width*ss]
}
