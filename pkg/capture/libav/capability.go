package libav

import "github.com/cgutman/sunshine/pkg/capture"

// probeResult is the packet-deficiency flag word a sessionProber returns
// for one (encoder, codec, reference config) combination, or an error if
// the probe itself failed to produce a packet at all.
type probeResult struct {
	ok            bool
	vuiParameters bool
	naluPrefix5b  bool
}

// deriveCapabilities assigns the capability bitset from the reference
// probes. sliceProbeOK is the result of the third (slices=2) probe;
// dynamicRangeProbeOK the HDR probe. The SLICE bit stores the raw
// slices=2 probe outcome as-is, independent of the reference probes.
func deriveCapabilities(
	maxRefFrames, autoselect probeResult,
	sliceProbeOK bool,
	dynamicRangeProbeOK bool,
) capture.Capabilities {
	var c capture.Capabilities

	passed := maxRefFrames.ok || autoselect.ok
	c = c.With(capture.CapPassed, passed)
	c = c.With(capture.CapRefFramesRestrict, maxRefFrames.ok)
	c = c.With(capture.CapRefFramesAutoselect, autoselect.ok)

	vui := maxRefFrames.ok && autoselect.ok && maxRefFrames.vuiParameters && autoselect.vuiParameters
	nalu := maxRefFrames.ok && autoselect.ok && maxRefFrames.naluPrefix5b && autoselect.naluPrefix5b
	c = c.With(capture.CapVUIParameters, vui)
	c = c.With(capture.CapNALUPrefix5b, nalu)

	c = c.With(capture.CapSlice, sliceProbeOK)
	c = c.With(capture.CapDynamicRange, dynamicRangeProbeOK)

	return c
}

// computeRefs resolves the reference-frame count from the client's
// request and the probed capabilities: an unset request defers to the
// encoder when it can autoselect (falling back to the 16-ref ceiling
// otherwise), and an explicit request is honored only by encoders that
// can restrict their ref count.
func computeRefs(numRefFrames int, caps capture.Capabilities) int {
	if numRefFrames == 0 {
		if caps.Has(capture.CapRefFramesAutoselect) {
			return 0
		}
		return 16
	}
	if caps.Has(capture.CapRefFramesRestrict) {
		return numRefFrames
	}
	return 0
}

// computeInject arms the one-time header rewrite: 0 when the encoder's
// own SPS already carries valid VUI, else 1 for H.264 and 2 for HEVC.
func computeInject(caps capture.Capabilities, format capture.VideoFormat, forceReplace bool) int {
	vui := caps.Has(capture.CapVUIParameters) && !forceReplace
	if vui {
		return 0
	}
	return 1 + int(format)
}
