package simulate

import (
	"math"
	"testing"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/ctf"
)

func movieOptions() MovieOptions {
	return MovieOptions{
		Name:   "test",
		Width:  32,
		Height: 24,
		Frames: 3,
		Truth:  ctf.DefaultParameters(),
		Seed:   5,
	}
}

func maxDifference(t *testing.T, a, b *models.Stack) float64 {
	if a.NFrames() != b.NFrames() || a.Width != b.Width || a.Height != b.Height {
		t.Fatalf("Stacks differ in shape: %dx%dx%d vs %dx%dx%d",
			a.Width, a.Height, a.NFrames(), b.Width, b.Height, b.NFrames())
	}
	worst := 0.0
	for f := range a.Frames {
		for i := range a.Frames[f] {
			worst = math.Max(worst, math.Abs(a.Frames[f][i]-b.Frames[f][i]))
		}
	}
	return worst
}

func TestResampledMovieMatchesPhaseRamp(t *testing.T) {
	// Shifts on the half-pixel lattice land on fine-grid samples, where
	// resampling is exact
	tests := []struct {
		name  string
		shift func(tm float64) accel.Shift
	}{
		{"no motion", func(float64) accel.Shift { return accel.Shift{} }},
		{"half pixel steps", func(tm float64) accel.Shift { return accel.Shift{X: tm, Y: -tm} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ramp := movieOptions()
			ramp.Drift = tt.shift
			resampled := movieOptions()
			resampled.Motion = func(c models.Coord) accel.Shift { return tt.shift(c.Z) }

			if d := maxDifference(t, Movie(ramp), Movie(resampled)); d > 1e-9 {
				t.Errorf("Expected identical frames, max difference %g", d)
			}
		})
	}
}

func TestMovieMotionVariesOverImage(t *testing.T) {
	opts := movieOptions()
	opts.Motion = func(c models.Coord) accel.Shift {
		if c.X < 0.5 {
			return accel.Shift{}
		}
		return accel.Shift{X: c.Z}
	}
	moving := Movie(opts)
	still := Movie(movieOptions())

	left, right := 0.0, 0.0
	last := opts.Frames - 1
	for y := 0; y < opts.Height; y++ {
		for x := 0; x < opts.Width; x++ {
			d := math.Abs(moving.Frames[last][y*opts.Width+x] - still.Frames[last][y*opts.Width+x])
			if x < opts.Width/2 {
				left = math.Max(left, d)
			} else {
				right = math.Max(right, d)
			}
		}
	}
	if left > 1e-9 {
		t.Errorf("Expected the left half to stay put, max difference %g", left)
	}
	if right < 1e-3 {
		t.Errorf("Expected the right half to move, max difference %g", right)
	}
}
