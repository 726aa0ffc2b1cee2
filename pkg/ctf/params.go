// Package ctf models the microscope's contrast transfer function.
package ctf

import "math"

// Parameters describes one CTF in microscope units: Å for pixel sizes, mm
// for spherical aberration, kV for voltage, µm for defocus (positive means
// underfocus), degrees for the two astigmatism angles and radians for the
// phase shift.
type Parameters struct {
	PixelSize      float64 `yaml:"pixelSize"`
	PixelSizeDelta float64 `yaml:"pixelSizeDelta"`
	PixelSizeAngle float64 `yaml:"pixelSizeAngle"`
	Cs             float64 `yaml:"cs"`
	Voltage        float64 `yaml:"voltage"`
	Defocus        float64 `yaml:"defocus"`
	DefocusDelta   float64 `yaml:"defocusDelta"`
	DefocusAngle   float64 `yaml:"defocusAngle"`
	Amplitude      float64 `yaml:"amplitude"`
	Bfactor        float64 `yaml:"bfactor"`
	Scale          float64 `yaml:"scale"`
	PhaseShift     float64 `yaml:"phaseShift"`
}

// DefaultParameters returns the parameters a fit starts from
func DefaultParameters() Parameters {
	return Parameters{
		PixelSize: 1.0,
		Cs:        2.7,
		Voltage:   300,
		Defocus:   1.0,
		Amplitude: 0.07,
		Scale:     1.0,
	}
}

// normalizeAngle maps degrees into [0, 180)
func normalizeAngle(deg float64) float64 {
	a := math.Mod(deg, 180)
	if a < 0 {
		a += 180
	}
	if a >= 180 {
		a = 0
	}
	return a
}

// Normalized returns a copy in which both astigmatism magnitudes are
// non-negative and both angles lie in [0, 180). A negative magnitude is the
// same astigmatism rotated by 90 degrees.
func (p Parameters) Normalized() Parameters {
	if p.DefocusDelta < 0 {
		p.DefocusDelta = -p.DefocusDelta
		p.DefocusAngle += 90
	}
	if p.PixelSizeDelta < 0 {
		p.PixelSizeDelta = -p.PixelSizeDelta
		p.PixelSizeAngle += 90
	}
	p.DefocusAngle = normalizeAngle(p.DefocusAngle)
	p.PixelSizeAngle = normalizeAngle(p.PixelSizeAngle)
	return p
}

// TransferParameters is the SI-unit form exchanged with the accelerator:
// meters, volts and radians. Defocus and its astigmatism are negated, so
// underfocus is negative.
type TransferParameters struct {
	PixelSize      float64
	PixelSizeDelta float64
	PixelSizeAngle float64
	Cs             float64
	Voltage        float64
	Defocus        float64
	DefocusDelta   float64
	DefocusAngle   float64
	Amplitude      float64
	Bfactor        float64
	Scale          float64
	PhaseShift     float64
}

const (
	angstrom   = 1e-10
	micrometer = 1e-6
	millimeter = 1e-3
	kilovolt   = 1e3
	degree     = math.Pi / 180
)

// ToTransferUnits converts to the accelerator's SI representation
func (p Parameters) ToTransferUnits() TransferParameters {
	return TransferParameters{
		PixelSize:      p.PixelSize * angstrom,
		PixelSizeDelta: p.PixelSizeDelta * angstrom,
		PixelSizeAngle: p.PixelSizeAngle * degree,
		Cs:             p.Cs * millimeter,
		Voltage:        p.Voltage * kilovolt,
		Defocus:        -p.Defocus * micrometer,
		DefocusDelta:   -p.DefocusDelta * micrometer,
		DefocusAngle:   p.DefocusAngle * degree,
		Amplitude:      p.Amplitude,
		Bfactor:        p.Bfactor * angstrom * angstrom,
		Scale:          p.Scale,
		PhaseShift:     p.PhaseShift,
	}
}

// FromTransferUnits is the exact inverse of ToTransferUnits
func FromTransferUnits(t TransferParameters) Parameters {
	return Parameters{
		PixelSize:      t.PixelSize / angstrom,
		PixelSizeDelta: t.PixelSizeDelta / angstrom,
		PixelSizeAngle: t.PixelSizeAngle / degree,
		Cs:             t.Cs / millimeter,
		Voltage:        t.Voltage / kilovolt,
		Defocus:        -t.Defocus / micrometer,
		DefocusDelta:   -t.DefocusDelta / micrometer,
		DefocusAngle:   t.DefocusAngle / degree,
		Amplitude:      t.Amplitude,
		Bfactor:        t.Bfactor / (angstrom * angstrom),
		Scale:          t.Scale,
		PhaseShift:     t.PhaseShift,
	}
}
