package pattern

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"xtalrefine/internal/models"
)

// ReadRaster loads a greyscale TIFF into img.Data, replacing the image
// dimensions with those of the file.
func ReadRaster(path string, img *models.Image) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open raster: %w", err)
	}
	defer file.Close()

	src, err := tiff.Decode(file)
	if err != nil {
		return fmt.Errorf("failed to decode raster %s: %w", path, err)
	}

	bounds := src.Bounds()
	img.Width, img.Height = bounds.Dx(), bounds.Dy()
	img.Data = make([]float32, img.Width*img.Height)

	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			g := color.Gray16Model.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			img.Data[x+img.Width*y] = float32(g.Y)
		}
	}
	return nil
}

// WriteRaster saves img.Data as a 16-bit greyscale TIFF. Values are
// rounded and clamped to [0, 65535].
func WriteRaster(path string, img *models.Image) error {
	if len(img.Data) != img.Width*img.Height {
		return fmt.Errorf("raster has %d values for %dx%d pixels", len(img.Data), img.Width, img.Height)
	}

	out := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := math.Round(float64(img.Data[x+img.Width*y]))
			v = math.Max(0, math.Min(v, math.MaxUint16))
			out.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create raster: %w", err)
	}
	defer file.Close()

	if err := tiff.Encode(file, out, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("failed to encode raster: %w", err)
	}
	return nil
}
