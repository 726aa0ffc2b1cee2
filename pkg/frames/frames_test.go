package frames

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"emfit/internal/models"
)

func writePNG(t *testing.T, path string, width, height int, value uint16) {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	stack := &models.Stack{Width: 8, Height: 6, PixelSize: 1.3}
	for f := 0; f < 3; f++ {
		frame := make([]float64, 8*6)
		for i := range frame {
			frame[i] = math.Sin(float64(i+7*f)) * 10
		}
		stack.Frames = append(stack.Frames, frame)
	}

	dir := filepath.Join(t.TempDir(), "movie")
	if err := Save(stack, dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(dir, 1.3)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.NFrames() != 3 || loaded.Width != 8 || loaded.Height != 6 {
		t.Fatalf("Expected 3 frames of 8x6, got %d of %dx%d", loaded.NFrames(), loaded.Width, loaded.Height)
	}
	if loaded.Name != "movie" || loaded.PixelSize != 1.3 {
		t.Errorf("Expected name movie and pixel size 1.3, got %q and %f", loaded.Name, loaded.PixelSize)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, frame := range stack.Frames {
		for _, v := range frame {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	for f := range stack.Frames {
		for i, v := range stack.Frames[f] {
			want := (v - lo) / (hi - lo)
			if math.Abs(loaded.Frames[f][i]-want) > 1.0/65535 {
				t.Fatalf("Frame %d pixel %d: expected %f, got %f", f, i, want, loaded.Frames[f][i])
			}
		}
	}
}

func TestLoadOrdersFramesByNumber(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "frame_10.png"), 4, 4, 1000)
	writePNG(t, filepath.Join(dir, "frame_2.png"), 4, 4, 2000)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	stack, err := Load(dir, 1)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stack.NFrames() != 2 {
		t.Fatalf("Expected 2 frames, got %d", stack.NFrames())
	}
	if stack.Frames[0][0] <= stack.Frames[1][0] {
		t.Errorf("Expected frame_2 first, got values %f then %f", stack.Frames[0][0], stack.Frames[1][0])
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	if err := os.Mkdir(empty, 0755); err != nil {
		t.Fatal(err)
	}
	mrc := filepath.Join(dir, "movie.mrc")
	if err := os.WriteFile(mrc, []byte{0, 1, 2}, 0644); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(dir, "corrupt.tif")
	if err := os.WriteFile(corrupt, []byte("not a tiff"), 0644); err != nil {
		t.Fatal(err)
	}
	badFITS := filepath.Join(dir, "frame.fits")
	if err := os.WriteFile(badFITS, []byte("SIMPLE = garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	mixed := filepath.Join(dir, "mixed")
	if err := os.Mkdir(mixed, 0755); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(mixed, "1.png"), 4, 4, 0)
	writePNG(t, filepath.Join(mixed, "2.png"), 5, 4, 0)

	tests := []struct {
		name string
		path string
		want error
	}{
		{"directory without frames", empty, models.ErrUnsupportedFormat},
		{"unsupported extension", mrc, models.ErrUnsupportedFormat},
		{"undecodable frame", corrupt, models.ErrUnsupportedFormat},
		{"undecodable FITS frame", badFITS, models.ErrUnsupportedFormat},
		{"mismatched frame sizes", mixed, models.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.path, 1); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
