// Package frames loads and saves movies stored as a directory of
// single-frame images.
package frames

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"

	"emfit/internal/models"
)

// Supported reports whether a file extension is a readable frame format
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff", ".png", ".fits", ".fit":
		return true
	}
	return false
}

// Load reads a movie. path is either a directory of frames, ordered by the
// number in their file names, or a single frame file. Files in a directory
// with other extensions are ignored.
func Load(path string, pixelSize float64) (*models.Stack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && Supported(e.Name()) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no TIFF, PNG or FITS frames in %s: %w", path, models.ErrUnsupportedFormat)
		}
		sort.SliceStable(files, func(i, j int) bool {
			return extractNumber(files[i]) < extractNumber(files[j])
		})
	} else {
		if !Supported(path) {
			return nil, fmt.Errorf("%s: %w", path, models.ErrUnsupportedFormat)
		}
		files = []string{path}
	}

	stack := &models.Stack{
		PixelSize: pixelSize,
		Name:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	for _, file := range files {
		img, err := loadImage(file)
		if err != nil {
			return nil, err
		}
		bounds := img.Bounds()
		if len(stack.Frames) == 0 {
			stack.Width, stack.Height = bounds.Dx(), bounds.Dy()
		} else if bounds.Dx() != stack.Width || bounds.Dy() != stack.Height {
			return nil, fmt.Errorf("frame %s is %dx%d, expected %dx%d: %w",
				filepath.Base(file), bounds.Dx(), bounds.Dy(), stack.Width, stack.Height, models.ErrDimensionMismatch)
		}
		stack.Frames = append(stack.Frames, imageToFloat(img))
	}
	return stack, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if num, err := strconv.Atoi(numStr); err == nil {
			return num
		}
	}
	return 0
}

// loadImage decodes a single TIFF, PNG or FITS frame
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(file)
	case ".png":
		img, err = png.Decode(file)
	case ".fits", ".fit":
		img, err = decodeFITS(file)
	default:
		return nil, fmt.Errorf("%s: %w", path, models.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %v: %w", filepath.Base(path), err, models.ErrUnsupportedFormat)
	}
	return img, nil
}

// decodeFITS reads the primary HDU of a FITS file as a 2D image
func decodeFITS(file *os.File) (image.Image, error) {
	f, err := fitsio.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	if axes := hdu.Header().Axes(); len(axes) != 2 {
		return nil, fmt.Errorf("primary HDU has %d axes, expected 2", len(axes))
	}
	img := hdu.Image()
	if img == nil {
		return nil, fmt.Errorf("primary HDU has no pixel data")
	}
	return img, nil
}

// imageToFloat converts an image to gray values in [0, 1]
func imageToFloat(img image.Image) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := make([]float64, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			result[y*width+x] = float64(g.Y) / 65535.0
		}
	}
	return result
}

// Save writes every frame as a 16-bit grayscale TIFF named frame_NNNN.tif.
// Values are scaled by the stack's global range so frames stay comparable.
func Save(stack *models.Stack, dir string) error {
	if err := stack.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create frame directory: %w", err)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, frame := range stack.Frames {
		for _, v := range frame {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 1 / (hi - lo)
	}

	for i, frame := range stack.Frames {
		img := floatToImage(frame, stack.Width, stack.Height, lo, scale)
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.tif", i))
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write frame %d: %w", i, err)
		}
	}
	return nil
}

// floatToImage converts values to a 16-bit grayscale image
func floatToImage(data []float64, width, height int, offset, scale float64) image.Image {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			value := (data[y*width+x] - offset) * scale
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(value * 65535.0))})
		}
	}
	return img
}
