package libav

import (
	"strconv"

	"github.com/asticode/go-astiav"

	"github.com/cgutman/sunshine/pkg/capture"
)

// ColorMatrix is one precomputed YUV conversion matrix for a GPU color
// converter, expanded into the four rows a shader consumes: the Y, U
// and V coefficient rows (each with its additive offset in the fourth
// component) plus the scale/shift pairs for luma and chroma.
type ColorMatrix struct {
	Y  [4]float32
	U  [4]float32
	V  [4]float32
	RangeY  [2]float32
	RangeUV [2]float32
}

// makeColorMatrix expands a (Cr, Cb, U_max, V_max, add_Y, add_UV,
// range_Y, range_UV) tuple into the row form above.
func makeColorMatrix(cr, cb, uMax, vMax, addY, addUV float32, rangeY, rangeUV [2]float32) ColorMatrix {
	cg := 1.0 - cr - cb
	crInv := 1.0 - cr
	cbInv := 1.0 - cb

	shiftY := rangeY[0] / 256.0
	scaleY := (rangeY[1] - rangeY[0]) / 256.0
	shiftUV := rangeUV[0] / 256.0
	scaleUV := (rangeUV[1] - rangeUV[0]) / 256.0

	return ColorMatrix{
		Y: [4]float32{cr, cg, cb, addY},
		U: [4]float32{-(cr * uMax / cbInv), -(cg * uMax / cbInv), uMax, addUV},
		V: [4]float32{vMax, -(cg * vMax / crInv), -(cb * vMax / crInv), addUV},
		RangeY:  [2]float32{scaleY, shiftY},
		RangeUV: [2]float32{scaleUV, shiftUV},
	}
}

// ColorMatrices indexes the four precomputed matrices, in declaration
// order: 601-MPEG, 601-JPEG, 709-MPEG, 709-JPEG.
var ColorMatrices = [4]ColorMatrix{
	makeColorMatrix(0.299, 0.114, 0.436, 0.615, 0.0625, 0.5, [2]float32{16, 235}, [2]float32{16, 240}),
	makeColorMatrix(0.299, 0.114, 0.5, 0.5, 0.0, 0.5, [2]float32{0, 255}, [2]float32{0, 255}),
	makeColorMatrix(0.2126, 0.0722, 0.436, 0.615, 0.0625, 0.5, [2]float32{16, 235}, [2]float32{16, 240}),
	makeColorMatrix(0.2126, 0.0722, 0.5, 0.5, 0.0, 0.5, [2]float32{0, 255}, [2]float32{0, 255}),
}

// colorMatrixIndex decodes EncoderCscMode into a ColorMatrices index.
func colorMatrixIndex(mode capture.EncoderCscMode) int {
	idx := 0
	if mode.Standard() == capture.ColorStandardRec709 {
		idx = 2
	}
	if mode.Range() == capture.ColorRangeJPEG {
		idx++
	}
	return idx
}

// ITU-T H.273 colour description codes, as libav's generic
// color_primaries/color_trc/colorspace options expect them.
const (
	h273Bt709     = 1
	h273Smpte170M = 6
	h273Bt2020Pri = 9
	h273Bt2020Trc = 14
	h273Smpte2084 = 16
	h273Bt2020Ncl = 9
)

func colorDescription(std capture.ColorStandard) (primaries, transfer, matrix int) {
	switch std {
	case capture.ColorStandardRec709:
		return h273Bt709, h273Bt709, h273Bt709
	case capture.ColorStandardRec2020:
		return h273Bt2020Pri, h273Smpte2084, h273Bt2020Ncl
	default:
		return h273Smpte170M, h273Smpte170M, h273Smpte170M
	}
}

// ApplyColorspace writes the encoder context's colour primaries,
// transfer characteristic, matrix coefficients and range into the
// codec-open dictionary. These are libav's generic codec-context
// options, so they apply uniformly across every encoder family.
func ApplyColorspace(dict *astiav.Dictionary, mode capture.EncoderCscMode) {
	primaries, transfer, matrix := colorDescription(mode.Standard())
	dict.Set("color_primaries", strconv.Itoa(primaries), 0)
	dict.Set("color_trc", strconv.Itoa(transfer), 0)
	dict.Set("colorspace", strconv.Itoa(matrix), 0)
	if mode.Range() == capture.ColorRangeJPEG {
		dict.Set("color_range", "pc", 0)
	} else {
		dict.Set("color_range", "tv", 0)
	}
}

// scalerColorSpace maps EncoderCscMode to the colour space tag the
// software scaler's output frames are stamped with.
func scalerColorSpace(mode capture.EncoderCscMode) astiav.ColorSpace {
	switch mode.Standard() {
	case capture.ColorStandardRec709:
		return astiav.ColorSpaceBt709
	case capture.ColorStandardRec2020:
		return astiav.ColorSpaceBt2020Ncl
	default:
		return astiav.ColorSpaceSmpte170M
	}
}
