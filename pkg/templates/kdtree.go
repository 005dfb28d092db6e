package templates

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"xtalrefine/internal/models"
)

// rasterPoint is a peak position in image pixel coordinates
type rasterPoint struct {
	FS, SS float64
}

// Compare implements the kdtree.Comparable interface
func (p rasterPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(rasterPoint)
	switch d {
	case 0:
		return p.FS - q.FS
	case 1:
		return p.SS - q.SS
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p rasterPoint) Dims() int { return 2 }

// Distance returns the squared distance in pixels
func (p rasterPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(rasterPoint)
	dfs := p.FS - q.FS
	dss := p.SS - q.SS
	return dfs*dfs + dss*dss
}

// rasterPoints satisfies kdtree.Interface
type rasterPoints []rasterPoint

func (p rasterPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p rasterPoints) Len() int                              { return len(p) }
func (p rasterPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p rasterPoints) Pivot(d kdtree.Dim) int {
	plane := rasterPlane{rasterPoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

// rasterPlane implements kdtree.SortSlicer for rasterPoints
type rasterPlane struct {
	rasterPoints
	kdtree.Dim
}

func (p rasterPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.rasterPoints[i].FS < p.rasterPoints[j].FS
	case 1:
		return p.rasterPoints[i].SS < p.rasterPoints[j].SS
	default:
		panic("illegal dimension")
	}
}

func (p rasterPlane) Slice(start, end int) kdtree.SortSlicer {
	return rasterPlane{rasterPoints: p.rasterPoints[start:end], Dim: p.Dim}
}

func (p rasterPlane) Swap(i, j int) {
	p.rasterPoints[i], p.rasterPoints[j] = p.rasterPoints[j], p.rasterPoints[i]
}

// newFeatureTree indexes the raster positions of the observed peaks.
func newFeatureTree(features []models.ImageFeature) *kdtree.Tree {
	points := make(rasterPoints, len(features))
	for i, f := range features {
		points[i] = rasterPoint{FS: f.FS, SS: f.SS}
	}
	return kdtree.New(points, false)
}
