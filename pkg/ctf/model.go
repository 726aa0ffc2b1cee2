package ctf

import "math"

// ScanSamples is the number of samples between 0 and Nyquist used to locate
// zeros and peaks
const ScanSamples = 4096

// Polar is a point in frequency space: R in 1/Å at the nominal pixel size
// and Angle in radians
type Polar struct {
	R     float64
	Angle float64
}

// Model evaluates the CTF described by a set of parameters
type Model struct {
	params Parameters

	lambda float64 // electron wavelength in Å
	k1     float64 // πλ
	k2     float64 // π·Cs·λ³/2, Cs in Å
	ampSin float64 // √(1-A²)
}

// Wavelength returns the relativistic electron wavelength in Å for an
// acceleration voltage in kV
func Wavelength(kv float64) float64 {
	v := kv * 1e3
	return 12.2643247 / math.Sqrt(v*(1+v*0.978466e-6))
}

// NewModel creates a model for the given parameters
func NewModel(p Parameters) *Model {
	lambda := Wavelength(p.Voltage)
	csAngstrom := p.Cs * 1e7
	amp := math.Min(math.Max(p.Amplitude, -1), 1)
	return &Model{
		params: p,
		lambda: lambda,
		k1:     math.Pi * lambda,
		k2:     math.Pi * csAngstrom * lambda * lambda * lambda / 2,
		ampSin: math.Sqrt(1 - amp*amp),
	}
}

// Parameters returns the model's parameters
func (m *Model) Parameters() Parameters {
	return m.params
}

// Nyquist returns the Nyquist frequency in 1/Å
func (m *Model) Nyquist() float64 {
	return 1 / (2 * m.params.PixelSize)
}

// argument is the phase K1·Δf·r² + K2·r⁴ − phaseShift with Δf in Å and the
// underfocus-negative sign convention
func (m *Model) argument(r, defocusMicrons float64) float64 {
	r2 := r * r
	df := -defocusMicrons * 1e4
	return m.k1*df*r2 + m.k2*r2*r2 - m.params.PhaseShift
}

func (m *Model) value(arg float64) float64 {
	return m.params.Amplitude*math.Cos(arg) - m.ampSin*math.Sin(arg)
}

func (m *Model) modulate(v, r float64, squared, ignoreEnvelope, ignoreScale bool) float64 {
	if squared {
		v *= v
	}
	if !ignoreEnvelope && m.params.Bfactor != 0 {
		v *= math.Exp(-m.params.Bfactor * r * r / 4)
	}
	if !ignoreScale {
		v *= m.params.Scale
	}
	return v
}

// Evaluate1D returns the CTF at a spatial frequency in 1/Å, ignoring
// astigmatism, including envelope and scale
func (m *Model) Evaluate1D(freq float64, squared bool) float64 {
	return m.modulate(m.value(m.argument(freq, m.params.Defocus)), freq, squared, false, false)
}

// unenveloped is the bare 1D CTF used by the zero and peak scans
func (m *Model) unenveloped(freq float64) float64 {
	return m.value(m.argument(freq, m.params.Defocus))
}

// effective returns the frequency corrected for pixel-size anisotropy and
// the defocus along the given direction
func (m *Model) effective(p Polar) (r, defocus float64) {
	r = p.R
	if m.params.PixelSizeDelta != 0 {
		size := m.params.PixelSize + m.params.PixelSizeDelta/2*math.Cos(2*(p.Angle-m.params.PixelSizeAngle*degree))
		r *= m.params.PixelSize / size
	}
	defocus = m.params.Defocus + m.params.DefocusDelta/2*math.Cos(2*(p.Angle-m.params.DefocusAngle*degree))
	return r, defocus
}

// Evaluate2D returns the CTF at every point, accounting for pixel-size and
// defocus astigmatism
func (m *Model) Evaluate2D(points []Polar, squared, ignoreEnvelope, ignoreScale bool) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		r, df := m.effective(p)
		out[i] = m.modulate(m.value(m.argument(r, df)), r, squared, ignoreEnvelope, ignoreScale)
	}
	return out
}

// Chi returns the defocus/aberration phase πλΔf·r² − π·Cs·λ³·r⁴/2 at a
// point, with positive Δf for underfocus. It excludes the phase shift.
func (m *Model) Chi(p Polar) float64 {
	r, df := m.effective(p)
	u := r * r
	return m.k1*df*1e4*u - m.k2*u*u
}

// FrequencyForChi returns the smallest isotropic frequency at which Chi
// reaches chi. It returns -1 when no such frequency exists.
func (m *Model) FrequencyForChi(chi float64) float64 {
	a := m.k1 * m.params.Defocus * 1e4
	b := m.k2
	if a <= 0 {
		return -1
	}
	if b < 1e-12 {
		if chi < 0 {
			return -1
		}
		return math.Sqrt(chi / a)
	}
	disc := a*a - 4*b*chi
	if disc < 0 {
		return -1
	}
	// (a - √disc)/(2b), rearranged to avoid cancellation at low frequency
	u := 2 * chi / (a + math.Sqrt(disc))
	if u < 0 {
		return -1
	}
	return math.Sqrt(u)
}

// EquivalentFrequency maps a point of this model's spectrum to the isotropic
// frequency of target at which the CTF has the same phase. Spectra with
// different defocus can then be averaged ring by ring.
func (m *Model) EquivalentFrequency(p Polar, target *Model) float64 {
	return target.FrequencyForChi(m.Chi(p))
}

func (m *Model) scan() (rs, vs []float64) {
	nyquist := m.Nyquist()
	rs = make([]float64, ScanSamples)
	vs = make([]float64, ScanSamples)
	for i := range rs {
		rs[i] = nyquist * float64(i) / float64(ScanSamples-1)
		vs[i] = m.unenveloped(rs[i])
	}
	return rs, vs
}

// FindZeros returns the ascending frequencies between 0 and Nyquist at which
// the CTF crosses zero
func (m *Model) FindZeros() []float64 {
	rs, vs := m.scan()
	var zeros []float64
	for i := 0; i < len(rs)-1; i++ {
		if vs[i] == 0 && i > 0 {
			zeros = append(zeros, rs[i])
			continue
		}
		if vs[i]*vs[i+1] >= 0 {
			continue
		}

		lo, hi := rs[i], rs[i+1]
		vlo := vs[i]
		for iter := 0; iter < 60; iter++ {
			mid := (lo + hi) / 2
			vm := m.unenveloped(mid)
			if vm == 0 {
				lo, hi = mid, mid
				break
			}
			if vm*vlo < 0 {
				hi = mid
			} else {
				lo, vlo = mid, vm
			}
		}
		zeros = append(zeros, (lo+hi)/2)
	}
	return zeros
}

// FindPeaks returns the ascending frequencies between 0 and Nyquist at which
// the squared CTF has a local maximum
func (m *Model) FindPeaks() []float64 {
	rs, vs := m.scan()
	sq := make([]float64, len(vs))
	for i, v := range vs {
		sq[i] = v * v
	}

	var peaks []float64
	step := rs[1] - rs[0]
	for i := 1; i < len(sq)-1; i++ {
		rising := sq[i]-sq[i-1] > 0
		falling := sq[i+1]-sq[i] <= 0
		if !rising || !falling {
			continue
		}
		// Vertex of the parabola through the three samples
		denom := sq[i-1] - 2*sq[i] + sq[i+1]
		offset := 0.0
		if denom != 0 {
			offset = 0.5 * (sq[i-1] - sq[i+1]) / denom
		}
		peaks = append(peaks, rs[i]+offset*step)
	}
	return peaks
}
