package libav

import (
	"bytes"
	"context"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/cgutman/sunshine/pkg/capture"
)

const (
	probeWidth     = 1920
	probeHeight    = 1080
	probeFramerate = 60
	probeBitrate   = 1000
)

// displayProber implements sessionProber against a real (or dummy-image
// capable) Display, the runtime counterpart of the scripted prober the
// registry tests inject.
type displayProber struct {
	display capture.Display
	cfg     capture.Config
}

func newDisplayProber(display capture.Display, cfg capture.Config) *displayProber {
	return &displayProber{display: display, cfg: cfg}
}

func (p *displayProber) probe(ctx context.Context, d *Descriptor, format capture.VideoFormat, pc probeConfig) (probeResult, error) {
	sessionCfg := capture.SessionConfig{
		Width:          probeWidth,
		Height:         probeHeight,
		Framerate:      probeFramerate,
		BitrateKbps:    probeBitrate,
		SlicesPerFrame: pc.Slices,
		NumRefFrames:   pc.NumRefFrames,
		VideoFormat:    format,
		DynamicRange:   pc.DynamicRange,
	}

	// A probe must not depend on capabilities it is itself trying to
	// derive: it always claims the richest possible capability set so
	// the session's capability-gated branches (refs, slice count) don't
	// short-circuit the very encoder behavior being measured.
	optimisticCaps := capture.Capabilities(0).
		With(capture.CapPassed, true).
		With(capture.CapRefFramesRestrict, true).
		With(capture.CapRefFramesAutoselect, true).
		With(capture.CapSlice, true).
		With(capture.CapDynamicRange, true)

	pixFmt := d.StaticPixelFormat
	if pc.DynamicRange == capture.DynamicRangeHDR {
		pixFmt = d.DynamicPixelFormat
	}
	hwDevice := p.display.MakeHwDevice(astiavToCapturePixelFormat(pixFmt))

	session, err := NewSession(ctx, d, p.cfg, sessionCfg, optimisticCaps, p.display.Width(), p.display.Height(), hwDevice)
	if err != nil {
		return probeResult{}, err
	}
	defer session.Close()

	img := p.display.AllocImg()
	p.display.DummyImg(img)

	if err := session.hwDevice.Convert(img); err != nil {
		return probeResult{}, err
	}
	frame, _ := session.hwDevice.Frame().(*astiav.Frame)
	if frame == nil {
		return probeResult{}, fmt.Errorf("probe session has no output frame")
	}

	packets := make(chan *capture.Packet, 8)
	if err := session.Encode(ctx, frame, true, nil, packets); err != nil {
		return probeResult{}, err
	}
	close(packets)

	first := <-packets
	if first == nil {
		return probeResult{}, fmt.Errorf("probe produced no packet")
	}
	if !first.Keyframe {
		return probeResult{}, fmt.Errorf("forced-IDR probe packet was not a keyframe")
	}

	return validatePacket(first.Data, format), nil
}

// validatePacket implements validate_config's packet inspection: does
// the SPS already carry valid VUI parameters, and does the bitstream
// carry the 4-byte-prefixed IDR NAL start the client searches for.
func validatePacket(data []byte, format capture.VideoFormat) probeResult {
	units := ScanNALUnits(data, format)
	vui := false
	for _, u := range units {
		if format == capture.VideoFormatH264 && u.Type == nalH264SPS {
			vui = spsHasVUI(u.RBSP, format)
		}
		if format == capture.VideoFormatHEVC && u.Type == nalHEVCSPS {
			vui = spsHasVUI(u.RBSP, format)
		}
	}
	return probeResult{
		ok:            true,
		vuiParameters: vui,
		naluPrefix5b:  bytes.Contains(data, idrNALUPrefix(format)),
	}
}

// spsHasVUI reports whether an SPS RBSP already sets
// vui_parameters_present_flag, reusing the rewriters' parsing prefix.
func spsHasVUI(sps []byte, format capture.VideoFormat) bool {
	var present bool
	var err error
	if format == capture.VideoFormatHEVC {
		_, present, err = RewriteHEVCSPSVUI(sps, 0)
	} else {
		_, present, err = RewriteH264SPSVUI(sps, 0)
	}
	return err == nil && present
}
