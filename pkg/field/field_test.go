package field

import (
	"errors"
	"math"
	"testing"

	"emfit/internal/models"
)

// createTestField creates a field with a deterministic, non-trivial pattern
func createTestField(t *testing.T, dims Dims) *Field {
	values := make([]float64, dims.Elements())
	for i := range values {
		values[i] = math.Sin(float64(i)*1.3) + 0.1*float64(i%7)
	}
	f, err := New(dims, values)
	if err != nil {
		t.Fatalf("Failed to create field: %v", err)
	}
	return f
}

var testDims = []Dims{
	{1, 1, 1},
	{2, 1, 1},
	{3, 3, 1},
	{4, 2, 3},
	{5, 5, 10},
	{1, 6, 2},
}

func TestNewRejectsWrongLength(t *testing.T) {
	_, err := New(Dims{2, 2, 2}, make([]float64, 7))
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}

	_, err = New(Dims{0, 2, 2}, nil)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for empty axis, got %v", err)
	}
}

// TestEvaluateAtControlPoints verifies interpolation exactness at every control point
func TestEvaluateAtControlPoints(t *testing.T) {
	for _, dims := range testDims {
		f := createTestField(t, dims)
		for i := 0; i < f.Len(); i++ {
			got := f.Evaluate(f.ControlCoord(i))
			if math.Abs(got-f.Value(i)) > 1e-12 {
				t.Errorf("%v: control point %d evaluated to %f, stored %f", dims, i, got, f.Value(i))
			}
		}
	}
}

func TestIdentityResize(t *testing.T) {
	for _, dims := range testDims {
		f := createTestField(t, dims)
		r := f.Resize(dims)
		if r.Dims() != dims {
			t.Fatalf("Resize changed dims from %v to %v", dims, r.Dims())
		}
		for i := 0; i < f.Len(); i++ {
			if math.Abs(r.Value(i)-f.Value(i)) > 1e-12 {
				t.Errorf("%v: identity resize changed point %d from %f to %f", dims, i, f.Value(i), r.Value(i))
			}
		}
	}
}

// TestLinearity verifies that a field with a single non-zero control value
// evaluates to that value times the control point's sensitivity vector
func TestLinearity(t *testing.T) {
	dims := Dims{4, 3, 5}
	grid := Dims{6, 5, 7}
	overlap := 0.5

	base := NewConstant(dims, 0)
	weights := base.ComputeWiggleWeights(grid, overlap)
	if len(weights) != dims.Elements() {
		t.Fatalf("Expected %d weight vectors, got %d", dims.Elements(), len(weights))
	}

	for _, i := range []int{0, 7, 23, dims.Elements() - 1} {
		values := make([]float64, dims.Elements())
		values[i] = -2.5
		f, _ := New(dims, values)
		samples := f.EvaluateBatch(grid, overlap)
		for s, v := range samples {
			expected := -2.5 * weights[i][s]
			if math.Abs(v-expected) > 1e-12 {
				t.Errorf("Point %d sample %d: expected %f, got %f", i, s, expected, v)
			}
		}
	}

	// The sum over control points reproduces an arbitrary field
	f := createTestField(t, dims)
	samples := f.EvaluateBatch(grid, overlap)
	for s, v := range samples {
		sum := 0.0
		for i := range weights {
			sum += f.Value(i) * weights[i][s]
		}
		if math.Abs(sum-v) > 1e-10 {
			t.Errorf("Sample %d: weighted sum %f differs from evaluation %f", s, sum, v)
		}
	}
}

func TestWeightsArePartitionOfUnity(t *testing.T) {
	f := NewConstant(Dims{5, 4, 3}, 0)
	weights := f.ComputeWiggleWeights(Dims{7, 7, 4}, 0.25)
	for s := range weights[0] {
		sum := 0.0
		for i := range weights {
			sum += weights[i][s]
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("Sample %d weights sum to %f", s, sum)
		}
	}
}

func TestReduceGradientRespectsInclusion(t *testing.T) {
	weights := [][]float64{{1, 0.5, 0}, {0, 0.5, 1}}
	perSample := []float64{2, 4, 8}

	grad := ReduceGradient(weights, perSample, nil)
	if grad[0] != 4 || grad[1] != 10 {
		t.Errorf("Unexpected gradient %v", grad)
	}

	grad = ReduceGradient(weights, perSample, []bool{true, true, false})
	if grad[0] != 4 || grad[1] != 2 {
		t.Errorf("Unexpected gradient with exclusion %v", grad)
	}
}

func TestSampleCoords(t *testing.T) {
	coords := SampleCoords(Dims{3, 1, 4}, 0.5)
	if len(coords) != 12 {
		t.Fatalf("Expected 12 coordinates, got %d", len(coords))
	}

	// Three tiles overlapping by half: size 0.5, centers 0.25, 0.5, 0.75
	expectedX := []float64{0.25, 0.5, 0.75}
	for i, e := range expectedX {
		if math.Abs(coords[i].X-e) > 1e-12 {
			t.Errorf("Tile %d center %f, expected %f", i, coords[i].X, e)
		}
		if coords[i].Y != 0.5 {
			t.Errorf("Single sample along Y should sit at 0.5, got %f", coords[i].Y)
		}
	}

	// Time samples are aligned with control points
	for z := 0; z < 4; z++ {
		got := coords[z*3].Z
		if math.Abs(got-float64(z)/3) > 1e-12 {
			t.Errorf("Time sample %d at %f", z, got)
		}
	}
}

func TestLinearFieldIsReproduced(t *testing.T) {
	dims := Dims{4, 4, 3}
	values := make([]float64, dims.Elements())
	f := NewConstant(dims, 0)
	for i := range values {
		c := f.ControlCoord(i)
		values[i] = 2*c.X - 3*c.Y + 0.5*c.Z + 1
	}
	f, _ = New(dims, values)

	for _, c := range []models.Coord{
		{X: 0.1, Y: 0.2, Z: 0.3},
		{X: 0.77, Y: 0.5, Z: 0.9},
		{X: 0.33, Y: 0.99, Z: 0.01},
	} {
		expected := 2*c.X - 3*c.Y + 0.5*c.Z + 1
		if got := f.Evaluate(c); math.Abs(got-expected) > 1e-12 {
			t.Errorf("At %v expected %f, got %f", c, expected, got)
		}
	}
}

func TestCoordinatesAreClamped(t *testing.T) {
	f := createTestField(t, Dims{3, 3, 2})
	inside := f.Evaluate(models.Coord{X: 1, Y: 0, Z: 1})
	outside := f.Evaluate(models.Coord{X: 1.5, Y: -2, Z: 7})
	if inside != outside {
		t.Errorf("Expected clamped evaluation %f, got %f", inside, outside)
	}
}

func TestCenterOverTime(t *testing.T) {
	dims := Dims{3, 2, 6}
	f := createTestField(t, dims)
	times := []float64{0, 0.1, 0.3, 0.45, 0.8, 1}
	centered := f.CenterOverTime(times)

	for _, pos := range []models.Coord{{X: 0.2, Y: 0.3}, {X: 0.9, Y: 0.6}, {X: 0.5, Y: 0.5}} {
		mean := 0.0
		for _, tm := range times {
			pos.Z = tm
			mean += centered.Evaluate(pos)
		}
		mean /= float64(len(times))
		if math.Abs(mean) > 1e-12 {
			t.Errorf("Position %v has time mean %g after centering", pos, mean)
		}
	}
}

func TestCollapse(t *testing.T) {
	dims := Dims{2, 2, 3}
	values := []float64{
		1, 2, 3, 4,
		0, 0, 0, 0,
		4, 4, 4, 8,
	}
	f, _ := New(dims, values)

	space := f.CollapseAlongSpace()
	expected := []float64{2.5, 0, 5}
	for i := range expected {
		if math.Abs(space[i]-expected[i]) > 1e-12 {
			t.Errorf("Slice %d: expected %f, got %f", i, expected[i], space[i])
		}
	}

	timeMean := f.CollapseAlongTime()
	if timeMean.Dims() != (Dims{2, 2, 1}) {
		t.Fatalf("Unexpected dims %v", timeMean.Dims())
	}
	if math.Abs(timeMean.Value(3)-4) > 1e-12 {
		t.Errorf("Expected 4, got %f", timeMean.Value(3))
	}
}

func TestAddAndShift(t *testing.T) {
	a := NewConstant(Dims{2, 1, 1}, 1)
	b := NewConstant(Dims{2, 1, 1}, 2)
	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum.Value(0) != 3 || sum.Shift(-3).Value(1) != 0 {
		t.Errorf("Unexpected values %v", sum.Values())
	}

	if _, err := a.Add(NewConstant(Dims{1, 1, 1}, 0)); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}
