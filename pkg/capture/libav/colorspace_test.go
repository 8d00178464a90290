package libav

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cgutman/sunshine/pkg/capture"
)

func TestColorMatrixIndex(t *testing.T) {
	// Bit 0 selects range, the rest select the standard; the table is
	// ordered 601-MPEG, 601-JPEG, 709-MPEG, 709-JPEG.
	assert.Equal(t, 0, colorMatrixIndex(capture.EncoderCscMode(0)))
	assert.Equal(t, 1, colorMatrixIndex(capture.EncoderCscMode(1)))
	assert.Equal(t, 2, colorMatrixIndex(capture.EncoderCscMode(2)))
	assert.Equal(t, 3, colorMatrixIndex(capture.EncoderCscMode(3)))
}

func TestColorMatrices_RowStructure(t *testing.T) {
	for i, m := range ColorMatrices {
		// The luma coefficients always sum to 1 before the offset.
		sum := m.Y[0] + m.Y[1] + m.Y[2]
		assert.InDelta(t, 1.0, float64(sum), 1e-5, "matrix %d luma row", i)

		// Chroma rows carry the 0.5 neutral offset in the fourth slot.
		assert.Equal(t, float32(0.5), m.U[3], "matrix %d U offset", i)
		assert.Equal(t, float32(0.5), m.V[3], "matrix %d V offset", i)
	}

	mpeg601 := ColorMatrices[0]
	assert.InDelta(t, 16.0/256.0, float64(mpeg601.RangeY[1]), 1e-6, "MPEG range shifts luma by 16/256")
	assert.InDelta(t, (235.0-16.0)/256.0, float64(mpeg601.RangeY[0]), 1e-6)
	assert.InDelta(t, 16.0/256.0, float64(mpeg601.RangeUV[1]), 1e-6)
	assert.InDelta(t, (240.0-16.0)/256.0, float64(mpeg601.RangeUV[0]), 1e-6)

	jpeg601 := ColorMatrices[1]
	assert.Equal(t, float32(0), jpeg601.RangeY[1], "JPEG range has no luma shift")
	assert.InDelta(t, 255.0/256.0, float64(jpeg601.RangeY[0]), 1e-6)
}

func TestColorDescription(t *testing.T) {
	p, tr, m := colorDescription(capture.ColorStandardRec601)
	assert.Equal(t, [3]int{6, 6, 6}, [3]int{p, tr, m})

	p, tr, m = colorDescription(capture.ColorStandardRec709)
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{p, tr, m})

	p, tr, m = colorDescription(capture.ColorStandardRec2020)
	assert.Equal(t, 9, p)
	assert.Equal(t, 16, tr, "HDR transfer is SMPTE ST 2084 (PQ)")
	assert.Equal(t, 9, m)
}
