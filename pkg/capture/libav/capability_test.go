package libav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgutman/sunshine/pkg/capture"
)

func TestDeriveCapabilities_BothProbesFail(t *testing.T) {
	caps := deriveCapabilities(probeResult{}, probeResult{}, false, false)
	assert.False(t, caps.Has(capture.CapPassed))
	assert.False(t, caps.Has(capture.CapRefFramesRestrict))
	assert.False(t, caps.Has(capture.CapRefFramesAutoselect))
}

func TestDeriveCapabilities_OnlyMaxRefPasses(t *testing.T) {
	maxRef := probeResult{ok: true, vuiParameters: true, naluPrefix5b: true}
	caps := deriveCapabilities(maxRef, probeResult{}, true, false)

	require.True(t, caps.Has(capture.CapPassed))
	assert.True(t, caps.Has(capture.CapRefFramesRestrict))
	assert.False(t, caps.Has(capture.CapRefFramesAutoselect))

	// VUI and NALU-prefix flags require agreement between BOTH reference
	// probes, so a single surviving probe never sets them.
	assert.False(t, caps.Has(capture.CapVUIParameters))
	assert.False(t, caps.Has(capture.CapNALUPrefix5b))
}

func TestDeriveCapabilities_BothAgree(t *testing.T) {
	maxRef := probeResult{ok: true, vuiParameters: true, naluPrefix5b: true}
	autosel := probeResult{ok: true, vuiParameters: true, naluPrefix5b: true}
	caps := deriveCapabilities(maxRef, autosel, true, true)

	assert.True(t, caps.Has(capture.CapPassed))
	assert.True(t, caps.Has(capture.CapRefFramesRestrict))
	assert.True(t, caps.Has(capture.CapRefFramesAutoselect))
	assert.True(t, caps.Has(capture.CapVUIParameters))
	assert.True(t, caps.Has(capture.CapNALUPrefix5b))
	assert.True(t, caps.Has(capture.CapSlice))
	assert.True(t, caps.Has(capture.CapDynamicRange))
}

func TestDeriveCapabilities_VUIDisagreement(t *testing.T) {
	maxRef := probeResult{ok: true, vuiParameters: true, naluPrefix5b: true}
	autosel := probeResult{ok: true, vuiParameters: false, naluPrefix5b: true}
	caps := deriveCapabilities(maxRef, autosel, false, false)

	assert.False(t, caps.Has(capture.CapVUIParameters))
	assert.True(t, caps.Has(capture.CapNALUPrefix5b))
}

// TestDeriveCapabilities_SlicePreservesRawProbeBoolean: the SLICE
// capability is always exactly the raw slices=2 probe outcome,
// regardless of whether the reference probes passed.
func TestDeriveCapabilities_SlicePreservesRawProbeBoolean(t *testing.T) {
	caps := deriveCapabilities(probeResult{}, probeResult{}, true, false)
	assert.True(t, caps.Has(capture.CapSlice))

	caps = deriveCapabilities(
		probeResult{ok: true, vuiParameters: true, naluPrefix5b: true},
		probeResult{ok: true, vuiParameters: true, naluPrefix5b: true},
		false,
		false,
	)
	assert.False(t, caps.Has(capture.CapSlice))
}

func TestComputeRefs(t *testing.T) {
	autoselectCaps := capture.Capabilities(0).With(capture.CapRefFramesAutoselect, true)
	restrictCaps := capture.Capabilities(0).With(capture.CapRefFramesRestrict, true)
	noCaps := capture.Capabilities(0)

	assert.Equal(t, 0, computeRefs(0, autoselectCaps), "autoselect capable + unset request defers to the encoder")
	assert.Equal(t, 16, computeRefs(0, noCaps), "no autoselect capability falls back to the 16-ref ceiling")
	assert.Equal(t, 4, computeRefs(4, restrictCaps), "restrict-capable encoder honors the requested ref count")
	assert.Equal(t, 0, computeRefs(4, noCaps), "non-restrict-capable encoder ignores the requested ref count")
}

func TestComputeInject(t *testing.T) {
	vuiCaps := capture.Capabilities(0).With(capture.CapVUIParameters, true)
	noCaps := capture.Capabilities(0)

	assert.Equal(t, 0, computeInject(vuiCaps, capture.VideoFormatH264, false), "native VUI support needs no injection")
	assert.Equal(t, 1, computeInject(noCaps, capture.VideoFormatH264, false))
	assert.Equal(t, 2, computeInject(noCaps, capture.VideoFormatHEVC, false))
	assert.Equal(t, 1, computeInject(vuiCaps, capture.VideoFormatH264, true), "forceReplace overrides native VUI support")
}
