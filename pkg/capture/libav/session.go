package libav

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"

	"github.com/cgutman/sunshine/pkg/capture"
)

const (
	limitedGOPSize   = math.MaxInt16
	unlimitedGOPSize = math.MaxInt32
)

// RateControlMode is the branch selectRateControl picked for a session.
type RateControlMode int

const (
	RateControlCBR RateControlMode = iota
	RateControlCRF
	RateControlQP
	RateControlUnavailable
)

// selectRateControl: bitrateKbps <= 500 never selects CBR; at or below
// that threshold the quality fallbacks apply in CRF-then-QP order.
func selectRateControl(bitrateKbps int, crfConfigured bool, crfSupported string, qpConfigured bool, qpSupported string) RateControlMode {
	if bitrateKbps > 500 {
		return RateControlCBR
	}
	if crfConfigured && crfSupported != "" {
		return RateControlCRF
	}
	if qpConfigured && qpSupported != "" {
		return RateControlQP
	}
	return RateControlUnavailable
}

func computeGOPSize(limited bool) int {
	if limited {
		return limitedGOPSize
	}
	return unlimitedGOPSize
}

// computeSlices: hardware encoders take the client's slice count as-is;
// software encoders may raise it to minThreads so the encode has enough
// parallelism to stay under a frame time. Encoders without the SLICE
// capability are clamped to one slice.
func computeSlices(requested, minThreads int, hardware bool, caps capture.Capabilities) int {
	slices := requested
	if !hardware && minThreads > slices {
		slices = minThreads
	}
	if !caps.Has(capture.CapSlice) {
		slices = 1
	}
	if slices < 1 {
		slices = 1
	}
	return slices
}

// nextScheduledKeyframe: after an IDR event with end=E, the next
// scheduled keyframe is frame E+framerate.
func nextScheduledKeyframe(idrEndFrame int64, framerate int) int64 {
	return idrEndFrame + int64(framerate)
}

// shouldForceKeyframe: a keyframe is forced when an IDR request is
// pending or when the frame counter lands exactly on the scheduled
// keyframe number. The schedule is one-shot — it re-arms only when the
// next IDR event is consumed, so equality (not >=) is the correct test.
func shouldForceKeyframe(frameNumber, scheduledKeyframe int64, idrPending bool) bool {
	return idrPending || frameNumber == scheduledKeyframe
}

// Session owns one encoder context, a bound scaling device, a
// header-replacement table and the SPS/VPS injection state.
type Session struct {
	*astikit.Closer

	// ID uniquely identifies this session for the lifetime of the
	// process, so log lines from the producer, the consumer loop and the
	// encoder back-end can be correlated across goroutines without
	// threading a request context through every call.
	ID uuid.UUID

	descriptor *Descriptor
	cfg        capture.SessionConfig
	caps       capture.Capabilities

	codecCtx *astiav.CodecContext
	hwDevice capture.HwDevice

	replacements *capture.ReplacementTable
	inject       int // 0 = none, 1 = H.264, 2 = HEVC

	// pts is the timestamp of the most recently encoded frame; the next
	// frame gets pts+1. The counter the IDR protocol manipulates is the
	// next frame's number, i.e. pts+1.
	pts               int64
	scheduledKeyframe int64

	stats SessionStats
}

// NewSession builds a full encode session: codec context, rate control,
// color metadata, output frame, scaling device and header-replacement
// seed. A nil hwDevice selects the software scaler fallback.
func NewSession(
	ctx context.Context,
	d *Descriptor,
	cfg capture.Config,
	sessionCfg capture.SessionConfig,
	caps capture.Capabilities,
	inW, inH int,
	hwDevice capture.HwDevice,
) (_ret *Session, _err error) {
	if !caps.Has(capture.CapPassed) {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("encoder %q did not pass probing for %s", d.Name, sessionCfg.VideoFormat)}
	}
	if sessionCfg.DynamicRange == capture.DynamicRangeHDR && !caps.Has(capture.CapDynamicRange) {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("encoder %q lacks DYNAMIC_RANGE for HDR", d.Name)}
	}

	closer := astikit.NewCloser()
	defer func() {
		if _err != nil {
			closer.Close()
		}
	}()

	codecOpts := d.CodecOptions(sessionCfg.VideoFormat)
	codec := astiav.FindEncoderByName(codecOpts.CodecName)
	if codec == nil {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("encoder back-end %q not found", codecOpts.CodecName)}
	}

	codecCtx := astiav.AllocCodecContext(codec)
	if codecCtx == nil {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("unable to allocate codec context")}
	}
	closer.Add(codecCtx.Free)

	codecCtx.SetWidth(sessionCfg.Width)
	codecCtx.SetHeight(sessionCfg.Height)
	codecCtx.SetTimeBase(astiav.NewRational(1, sessionCfg.Framerate))
	codecCtx.SetFramerate(astiav.NewRational(sessionCfg.Framerate, 1))
	codecCtx.SetProfile(d.Profile(sessionCfg.VideoFormat, sessionCfg.DynamicRange))

	limitedGOP := d.Flags.Has(FlagLimitedGOPSize)
	gopSize := computeGOPSize(limitedGOP)
	codecCtx.SetGopSize(gopSize)

	codecCtx.SetFlags(codecCtx.Flags().
		Add(astiav.CodecContextFlagClosedGop).
		Add(astiav.CodecContextFlagLowDelay))

	hardware := d.HWDeviceType != astiav.HardwareDeviceTypeNone

	swFormat := d.StaticPixelFormat
	if sessionCfg.DynamicRange == capture.DynamicRangeHDR {
		swFormat = d.DynamicPixelFormat
	}

	var framesCtx *astiav.HardwareFramesContext
	if hardware {
		codecCtx.SetPixelFormat(d.HWPixelFormat)
		var err error
		framesCtx, err = attachHardwareFramesContext(codecCtx, d, cfg, hwDevice, swFormat)
		if err != nil {
			return nil, &capture.SessionFatalError{Stage: "make_session", Err: err}
		}
	} else {
		codecCtx.SetPixelFormat(swFormat)
	}

	slices := computeSlices(sessionCfg.SlicesPerFrame, cfg.MinThreads(), hardware, caps)
	codecCtx.SetThreadType(astiav.ThreadTypeSlice)
	codecCtx.SetThreadCount(slices)

	dict := astiav.NewDictionary()
	defer dict.Free()

	// Generic codec-context fields without dedicated setters in the
	// binding go through the open dictionary: B-frames add decoder
	// latency and are never allowed, periodic keyframes are disabled in
	// favor of on-demand IDRs, and refs follow the probed capability.
	dict.Set("bf", "0", 0)
	dict.Set("keyint_min", strconv.Itoa(unlimitedGOPSize), 0)
	refs := computeRefs(sessionCfg.NumRefFrames, caps)
	dict.Set("refs", strconv.Itoa(refs), 0)
	dict.Set("slices", strconv.Itoa(slices), 0)

	ApplyColorspace(dict, sessionCfg.EncoderCscMode)

	for key, v := range codecOpts.FixedOptions {
		ApplyOption(dict, cfg, key, v)
	}

	rc := selectRateControl(sessionCfg.BitrateKbps, cfg.CRF() != 0, codecOpts.SupportsCRF, cfg.QP() != 0, codecOpts.SupportsQP)
	switch rc {
	case RateControlCBR:
		bitRate := int64(sessionCfg.BitrateKbps) * 1000
		codecCtx.SetBitRate(bitRate)
		dict.Set("maxrate", strconv.FormatInt(bitRate, 10), 0)
		dict.Set("minrate", strconv.FormatInt(bitRate, 10), 0)
		dict.Set("bufsize", strconv.FormatInt(bitRate/int64(sessionCfg.Framerate), 10), 0)
	case RateControlCRF:
		dict.Set(codecOpts.SupportsCRF, strconv.Itoa(cfg.CRF()), 0)
	case RateControlQP:
		dict.Set(codecOpts.SupportsQP, strconv.Itoa(cfg.QP()), 0)
	case RateControlUnavailable:
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("no rate control method available for encoder %q", d.Name)}
	}

	if err := codecCtx.Open(codec, dict); err != nil {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("unable to open codec context: %w", err)}
	}

	frame := astiav.AllocFrame()
	closer.Add(frame.Free)
	frame.SetWidth(sessionCfg.Width)
	frame.SetHeight(sessionCfg.Height)
	frame.SetPixelFormat(codecCtx.PixelFormat())
	if hardware {
		if err := frame.AllocHardwareBuffer(framesCtx); err != nil {
			return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("unable to allocate hardware output frame: %w", err)}
		}
	} else {
		if err := frame.AllocBuffer(0); err != nil {
			return nil, &capture.SessionFatalError{Stage: "make_session", Err: fmt.Errorf("unable to allocate output frame: %w", err)}
		}
	}

	if hwDevice == nil {
		sw := newSoftwareDevice(inW, inH, sessionCfg.Width, sessionCfg.Height, swFormat, hardware)
		closer.Add(func() { _ = sw.Close() })
		hwDevice = sw
	}
	if err := hwDevice.SetFrame(frame); err != nil {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: err}
	}
	if err := hwDevice.SetColorspace(sessionCfg.EncoderCscMode, sessionCfg.EncoderCscMode.Range()); err != nil {
		return nil, &capture.SessionFatalError{Stage: "make_session", Err: err}
	}

	s := &Session{
		Closer:       closer,
		ID:           uuid.New(),
		descriptor:   d,
		cfg:          sessionCfg,
		caps:         caps,
		codecCtx:     codecCtx,
		hwDevice:     hwDevice,
		replacements: &capture.ReplacementTable{},
		inject:       computeInject(caps, sessionCfg.VideoFormat, cfg.Flags().ForceVideoHeaderReplace),
	}

	if !caps.Has(capture.CapNALUPrefix5b) {
		s.replacements.Append(NALUPrefixReplacement(sessionCfg.VideoFormat))
	}

	logger.Debugf(ctx, "session %s constructed: encoder=%s codec=%s refs=%d gop=%d slices=%d rc=%v inject=%d", s.ID, d.Name, codecOpts.CodecName, refs, gopSize, slices, rc, s.inject)

	return s, nil
}

// attachHardwareFramesContext builds the display's hw-device context
// through the descriptor's factory, allocates a hardware-frames pool
// against it with dynamic growth (initial_pool_size=0), and binds both
// to codecCtx before the codec is opened.
func attachHardwareFramesContext(codecCtx *astiav.CodecContext, d *Descriptor, cfg capture.Config, hwDevice capture.HwDevice, swFormat astiav.PixelFormat) (*astiav.HardwareFramesContext, error) {
	if d.MakeHWDeviceCtx == nil {
		return nil, fmt.Errorf("encoder %q declares a hardware device type but no hwdevice-context factory", d.Name)
	}
	hwDeviceCtx, err := d.MakeHWDeviceCtx(hwDevice, cfg.AdapterName())
	if err != nil {
		return nil, fmt.Errorf("unable to build hardware device context for %q: %w", d.Name, err)
	}

	framesCtx := astiav.AllocHardwareFramesContext(hwDeviceCtx)
	if framesCtx == nil {
		return nil, fmt.Errorf("unable to allocate hardware frames context for %q", d.Name)
	}
	framesCtx.SetHardwarePixelFormat(d.HWPixelFormat)
	framesCtx.SetSoftwarePixelFormat(swFormat)
	framesCtx.SetWidth(codecCtx.Width())
	framesCtx.SetHeight(codecCtx.Height())
	framesCtx.SetInitialPoolSize(0)

	if err := framesCtx.Initialize(); err != nil {
		return nil, fmt.Errorf("unable to initialize hardware frames context for %q: %w", d.Name, err)
	}

	codecCtx.SetHardwareDeviceContext(hwDeviceCtx)
	codecCtx.SetHardwareFramesContext(framesCtx)
	return framesCtx, nil
}

func (s *Session) Capabilities() capture.Capabilities { return s.caps }

// Stats reports this session's ambient frame/byte counters.
func (s *Session) Stats() SessionStatsSnapshot { return s.stats.Snapshot() }

// Encode submits one frame and drains every ready packet into out.
// Packets carry the session's replacement table and channelData; the
// one-time SPS/VPS injection fires on the first packet after inject is
// armed.
func (s *Session) Encode(ctx context.Context, frame *astiav.Frame, idrPending bool, channelData any, out chan<- *capture.Packet) error {
	s.pts++
	frame.SetPts(s.pts)

	keyframe := shouldForceKeyframe(s.pts, s.scheduledKeyframe, idrPending)
	if keyframe {
		frame.SetPictureType(astiav.PictureTypeI)
		frame.SetKeyFrame(true)
	}

	if err := s.codecCtx.SendFrame(frame); err != nil {
		return &capture.SessionFatalError{Stage: "encode.SendFrame", Err: err}
	}

	frame.SetPictureType(astiav.PictureTypeNone)
	frame.SetKeyFrame(false)

	pkt := astiav.AllocPacket()
	defer pkt.Free()

	for {
		err := s.codecCtx.ReceivePacket(pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return &capture.SessionFatalError{Stage: "encode.ReceivePacket", Err: err}
		}

		data := append([]byte(nil), pkt.Data()...)

		if s.inject != 0 {
			if err := s.injectHeaders(data); err != nil {
				logger.Errorf(ctx, "header injection failed, leaving SPS/VPS as emitted: %v", err)
			}
			s.inject = 0
		}

		s.stats.FramesEncoded.Add(1)
		s.stats.BytesEmitted.Add(uint64(len(data)))

		out <- &capture.Packet{
			Data:         data,
			PTS:          pkt.Pts(),
			Keyframe:     pkt.Flags().Has(astiav.PacketFlagKey),
			Replacements: s.replacements,
			ChannelData:  channelData,
		}

		pkt.Unref()
	}
}

// injectHeaders performs the one-time SPS/VPS rewrite: extract the SPS
// (and VPS for HEVC) from the packet that triggered it and append the
// (old, new) pairs to the session's replacement table. Old bytes are
// the escaped on-wire payload so the downstream muxer can match them.
func (s *Session) injectHeaders(data []byte) error {
	units := ScanNALUnits(data, s.cfg.VideoFormat)

	appendPair := func(u NALUnit, rewritten []byte, present bool) {
		newBytes := rewritten
		if present || newBytes == nil {
			newBytes = u.Raw
		}
		s.replacements.Append(capture.Replacement{Old: u.Raw, New: newBytes})
	}

	switch s.cfg.VideoFormat {
	case capture.VideoFormatH264:
		for _, u := range units {
			if u.Type != nalH264SPS {
				continue
			}
			newSPS, present, err := RewriteH264SPSVUI(u.RBSP, s.cfg.EncoderCscMode)
			if err != nil {
				return err
			}
			appendPair(u, newSPS, present)
			return nil
		}
		return fmt.Errorf("no SPS found in first H.264 packet")
	case capture.VideoFormatHEVC:
		var spsUnit, vpsUnit *NALUnit
		for i := range units {
			switch units[i].Type {
			case nalHEVCSPS:
				spsUnit = &units[i]
			case nalHEVCVPS:
				vpsUnit = &units[i]
			}
		}
		if spsUnit == nil || vpsUnit == nil {
			return fmt.Errorf("missing SPS/VPS in first HEVC packet (sps=%v vps=%v)", spsUnit != nil, vpsUnit != nil)
		}
		// VPS first, then SPS, matching the order the muxer applies them.
		appendPair(*vpsUnit, nil, true)
		newSPS, present, err := RewriteHEVCSPSVUI(spsUnit.RBSP, s.cfg.EncoderCscMode)
		if err != nil {
			return err
		}
		appendPair(*spsUnit, newSPS, present)
		return nil
	default:
		return fmt.Errorf("unknown video format %v", s.cfg.VideoFormat)
	}
}

// ConsumeIDR applies an IDR event: the frame counter (the next frame's
// number) jumps to the event's end frame and the next keyframe is
// scheduled one framerate interval after it.
func (s *Session) ConsumeIDR(idr capture.IDR) {
	s.pts = idr.EndFrame - 1
	s.scheduledKeyframe = nextScheduledKeyframe(idr.EndFrame, s.cfg.Framerate)
}
