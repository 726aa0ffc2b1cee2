package models

import "fmt"

// Stack represents a movie or tilt as a sequence of equally sized frames
type Stack struct {
	// Frames holds the pixel data of each frame in row-major order
	Frames [][]float64

	// Width is the width of every frame in pixels
	Width int

	// Height is the height of every frame in pixels
	Height int

	// PixelSize is the nominal pixel size in Å
	PixelSize float64

	// Name identifies the item the stack was loaded from
	Name string
}

// NFrames returns the number of frames in the stack
func (s *Stack) NFrames() int {
	return len(s.Frames)
}

// Validate checks that every frame matches the declared geometry
func (s *Stack) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("stack %q has invalid size %dx%d: %w", s.Name, s.Width, s.Height, ErrDimensionMismatch)
	}
	if len(s.Frames) == 0 {
		return fmt.Errorf("stack %q has no frames: %w", s.Name, ErrDimensionMismatch)
	}
	for i, f := range s.Frames {
		if len(f) != s.Width*s.Height {
			return fmt.Errorf("frame %d of %q has %d pixels, expected %d: %w",
				i, s.Name, len(f), s.Width*s.Height, ErrDimensionMismatch)
		}
	}
	return nil
}

// At returns the pixel value of frame f at (x, y)
func (s *Stack) At(f, x, y int) float64 {
	return s.Frames[f][y*s.Width+x]
}

// Tile describes one square region of a stack used for spectra or phases
type Tile struct {
	// X and Y are the pixel coordinates of the tile's top-left corner
	X, Y int

	// FrameStart and FrameEnd delimit the frames [FrameStart, FrameEnd) the tile covers
	FrameStart, FrameEnd int

	// Coord is the tile center in normalized [0,1]^3 space×space×time coordinates
	Coord Coord
}

// Coord is a normalized coordinate in [0,1]^3
type Coord struct {
	X, Y, Z float64
}
