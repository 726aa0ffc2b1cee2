package accel

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D transforms square real tiles of one size. It keeps the gonum plans
// between calls, so one instance must not be shared between goroutines.
type fft2D struct {
	size int
	rows *fourier.FFT
	cols *fourier.CmplxFFT

	rowIn  []float64
	rowOut []complex128
	colIn  []complex128
	colOut []complex128
}

func newFFT2D(size int) *fft2D {
	return &fft2D{
		size:   size,
		rows:   fourier.NewFFT(size),
		cols:   fourier.NewCmplxFFT(size),
		rowIn:  make([]float64, size),
		rowOut: make([]complex128, size/2+1),
		colIn:  make([]complex128, size),
		colOut: make([]complex128, size),
	}
}

// Transform returns the full 2D spectrum of a size×size row-major tile,
// indexed ky*size+kx
func (t *fft2D) Transform(data []float64) []complex128 {
	size := t.size
	result := make([]complex128, size*size)

	// Real FFT along rows; the upper half follows from conjugate symmetry
	for i := 0; i < size; i++ {
		copy(t.rowIn, data[i*size:(i+1)*size])
		t.rows.Coefficients(t.rowOut, t.rowIn)
		for j := 0; j < size; j++ {
			if j < len(t.rowOut) {
				result[i*size+j] = t.rowOut[j]
				continue
			}
			c := t.rowOut[size-j]
			result[i*size+j] = complex(real(c), -imag(c))
		}
	}

	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			t.colIn[i] = result[i*size+j]
		}
		t.cols.Coefficients(t.colOut, t.colIn)
		for i := 0; i < size; i++ {
			result[i*size+j] = t.colOut[i]
		}
	}

	return result
}

// PowerInto adds |F|² of a tile to acc
func (t *fft2D) PowerInto(acc, data []float64) {
	for i, c := range t.Transform(data) {
		acc[i] += real(c)*real(c) + imag(c)*imag(c)
	}
}
