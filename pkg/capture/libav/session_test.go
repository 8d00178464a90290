package libav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cgutman/sunshine/pkg/capture"
)

// TestSelectRateControl_BitrateBoundary: bitrateKbps<=500 never selects
// CBR, regardless of what else is configured, and >500 always does.
func TestSelectRateControl_BitrateBoundary(t *testing.T) {
	assert.Equal(t, RateControlCBR, selectRateControl(501, true, "crf", true, "qp"))
	assert.NotEqual(t, RateControlCBR, selectRateControl(500, true, "crf", true, "qp"))
}

func TestSelectRateControl_FallsBackToCRFThenQPThenUnavailable(t *testing.T) {
	assert.Equal(t, RateControlCRF, selectRateControl(500, true, "crf", false, ""))
	assert.Equal(t, RateControlQP, selectRateControl(500, false, "", true, "qp"))
	assert.Equal(t, RateControlUnavailable, selectRateControl(500, false, "", false, ""))
}

func TestSelectRateControl_ConfiguredButUnsupportedIsIgnored(t *testing.T) {
	// crfConfigured is true but the encoder exposes no CRF option name,
	// so it must not be selected even below the bitrate threshold.
	assert.Equal(t, RateControlQP, selectRateControl(500, true, "", true, "qp"))
}

func TestComputeGOPSize(t *testing.T) {
	assert.Equal(t, math.MaxInt16, computeGOPSize(true))
	assert.Equal(t, math.MaxInt32, computeGOPSize(false))
}

func TestNextScheduledKeyframe(t *testing.T) {
	assert.Equal(t, int64(130), nextScheduledKeyframe(100, 30))
	assert.Equal(t, int64(0), nextScheduledKeyframe(0, 0))
}

// TestShouldForceKeyframe: a keyframe is forced either because an IDR
// request is pending or because the frame counter lands exactly on the
// scheduled keyframe number. The schedule is one-shot, so frames past
// it are plain P-frames until the next IDR event re-arms it.
func TestShouldForceKeyframe(t *testing.T) {
	assert.True(t, shouldForceKeyframe(10, 100, true), "idrPending alone must force a keyframe")
	assert.True(t, shouldForceKeyframe(100, 100, false), "reaching the scheduled frame must force a keyframe")
	assert.False(t, shouldForceKeyframe(101, 100, false), "a frame past the one-shot schedule must not be forced")
	assert.False(t, shouldForceKeyframe(99, 100, false))
}

// TestSession_ConsumeIDR: after consuming an IDR event with end frame
// E, the next encoded frame is numbered E (pts stores the previous
// frame, E-1) and the next keyframe is scheduled at E+framerate.
func TestSession_ConsumeIDR(t *testing.T) {
	s := &Session{cfg: capture.SessionConfig{Framerate: 60}}

	s.ConsumeIDR(capture.IDR{EndFrame: 500})

	assert.Equal(t, int64(499), s.pts)
	assert.Equal(t, int64(560), s.scheduledKeyframe)

	// A second, later IDR event must overwrite rather than accumulate.
	s.ConsumeIDR(capture.IDR{EndFrame: 620})
	assert.Equal(t, int64(619), s.pts)
	assert.Equal(t, int64(680), s.scheduledKeyframe)
}

// TestKeyframeCadenceAfterIDR walks the frame counter through a full
// interval after an IDR event with end=E at 60 fps: frame E is the
// demanded keyframe, the following framerate-1 frames are P-frames,
// and frame E+framerate is the scheduled keyframe.
func TestKeyframeCadenceAfterIDR(t *testing.T) {
	s := &Session{cfg: capture.SessionConfig{Framerate: 60}}
	s.ConsumeIDR(capture.IDR{EndFrame: 1})

	idrPending := true
	var keyframes []int64
	for frame := s.pts + 1; frame <= 121; frame++ {
		if shouldForceKeyframe(frame, s.scheduledKeyframe, idrPending) {
			keyframes = append(keyframes, frame)
		}
		idrPending = false
	}
	assert.Equal(t, []int64{1, 61}, keyframes)
}

func TestComputeSlices(t *testing.T) {
	sliceCaps := capture.Capabilities(0).With(capture.CapSlice, true)
	noSlice := capture.Capabilities(0)

	assert.Equal(t, 4, computeSlices(4, 2, true, sliceCaps), "hardware encoders take the requested count as-is")
	assert.Equal(t, 8, computeSlices(4, 8, false, sliceCaps), "software encoders are raised to min_threads")
	assert.Equal(t, 1, computeSlices(4, 8, false, noSlice), "no SLICE capability clamps to one")
	assert.Equal(t, 1, computeSlices(0, 0, true, sliceCaps), "slice count never drops below one")
}
