package models

// Panel is a planar region of the detector with its own pixel geometry.
type Panel struct {
	// Name identifies the panel in configuration and log output
	Name string `yaml:"name"`

	// MinFS, MaxFS, MinSS, MaxSS give the inclusive raster extent of the
	// panel in image (fast-scan, slow-scan) pixel coordinates
	MinFS int `yaml:"minFS"`
	MaxFS int `yaml:"maxFS"`
	MinSS int `yaml:"minSS"`
	MaxSS int `yaml:"maxSS"`

	// Res is the pixel density in pixels per metre
	Res float64 `yaml:"res"`

	// CnX, CnY locate the panel corner relative to the beam, in pixels
	CnX float64 `yaml:"cornerX"`
	CnY float64 `yaml:"cornerY"`

	// Fast- and slow-scan basis vectors in the lab frame
	FsX float64 `yaml:"fsX"`
	FsY float64 `yaml:"fsY"`
	SsX float64 `yaml:"ssX"`
	SsY float64 `yaml:"ssY"`

	// Clen is the camera length in metres
	Clen float64 `yaml:"clen"`
}

// Contains reports whether raster pixel (fs, ss) belongs to the panel.
func (p *Panel) Contains(fs, ss float64) bool {
	return fs >= float64(p.MinFS) && fs < float64(p.MaxFS+1) &&
		ss >= float64(p.MinSS) && ss < float64(p.MaxSS+1)
}

// Detector is an ordered set of panels sharing one image raster.
type Detector struct {
	Panels []Panel `yaml:"panels"`

	// MaxFS and MaxSS are the largest raster coordinates over all panels
	MaxFS int `yaml:"-"`
	MaxSS int `yaml:"-"`
}

// UpdateExtents recomputes MaxFS and MaxSS from the panels.
func (d *Detector) UpdateExtents() {
	d.MaxFS, d.MaxSS = 0, 0
	for i := range d.Panels {
		if d.Panels[i].MaxFS > d.MaxFS {
			d.MaxFS = d.Panels[i].MaxFS
		}
		if d.Panels[i].MaxSS > d.MaxSS {
			d.MaxSS = d.Panels[i].MaxSS
		}
	}
}
