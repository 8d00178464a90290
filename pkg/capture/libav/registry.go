package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/cgutman/sunshine/pkg/capture"
)

// platformDescriptors is populated by this file's build-tag siblings
// (registry_windows.go declares nvenc/amdvce, registry_linux.go
// declares vaapi) via package-level init().
var platformDescriptors []*Descriptor

var softwareDescriptor = &Descriptor{
	Name: "software",
	Profiles: ProfileTriple{
		H264High:   astiav.ProfileH264High,
		HEVCMain:   astiav.ProfileHevcMain,
		HEVCMain10: astiav.ProfileHevcMain10,
	},
	HWDeviceType:       astiav.HardwareDeviceTypeNone,
	StaticPixelFormat:  astiav.PixelFormatYuv420P,
	DynamicPixelFormat: astiav.PixelFormatYuv420P10Le,
	H264: CodecOptions{
		CodecName: "libx264",
		FixedOptions: map[string]OptionValue{
			"preset": FromConfigOpt(ConfigFieldSwPreset),
			"tune":   FromConfigOpt(ConfigFieldSwTune),
		},
		SupportsCRF: "crf",
		SupportsQP:  "qp",
	},
	HEVC: CodecOptions{
		CodecName: "libx265",
		FixedOptions: map[string]OptionValue{
			"forced-idr": IntOpt(1),
			"preset":     FromConfigOpt(ConfigFieldSwPreset),
			"tune":       FromConfigOpt(ConfigFieldSwTune),
			// x265's "Info" SEI otherwise pushes IDR picture data into a
			// second packet, which breaks a client parser expecting it in
			// the first NAL unit of the keyframe. x265 also ignores
			// gop_size, so keyint=-1 goes in its params string.
			"x265-params": StrOpt("info=0:keyint=-1"),
		},
		SupportsCRF: "crf",
		SupportsQP:  "qp",
	},
	Flags: FlagH264Only | FlagSystemMemory,
}

// mapDeviceType translates an encoder descriptor's hardware device type
// into the capture.MemType tag a display factory selects its back-end
// by: software-only encoders capture into system memory, hardware ones
// into surfaces shared with their device.
func mapDeviceType(t astiav.HardwareDeviceType) capture.MemType {
	switch t {
	case astiav.HardwareDeviceTypeD3D11Va:
		return capture.MemTypeDXGI
	case astiav.HardwareDeviceTypeVaapi:
		return capture.MemTypeVAAPI
	case astiav.HardwareDeviceTypeNone:
		return capture.MemTypeSystem
	default:
		return capture.MemTypeUnknown
	}
}

// sessionProber is the injected probing collaborator: a real libav probe
// in production, a scripted stub in unit tests. Keeping this indirection
// is what makes the capability-derivation arithmetic in capability.go
// testable without real encoder hardware.
type sessionProber interface {
	probe(ctx context.Context, d *Descriptor, format capture.VideoFormat, cfg probeConfig) (probeResult, error)
}

type probeConfig struct {
	NumRefFrames int
	Slices       int
	DynamicRange capture.DynamicRange
}

func descriptorTable() []*Descriptor {
	all := make([]*Descriptor, 0, len(platformDescriptors)+1)
	all = append(all, platformDescriptors...)
	all = append(all, softwareDescriptor)
	return all
}

// InitWithDisplay probes the descriptor table against a live display
// and returns the first surviving encoder; this is the entry point a
// host calls once at startup.
func InitWithDisplay(ctx context.Context, cfg capture.Config, display capture.Display) (*Descriptor, map[capture.VideoFormat]capture.Capabilities, error) {
	return Init(ctx, cfg, newDisplayProber(display, cfg))
}

// Init walks the descriptor table in declaration order and returns the
// first surviving descriptor together with its probed capabilities.
func Init(ctx context.Context, cfg capture.Config, prober sessionProber) (*Descriptor, map[capture.VideoFormat]capture.Capabilities, error) {
	hevcMode := cfg.HevcMode()
	forcedName := cfg.Encoder()

	for _, d := range descriptorTable() {
		if forcedName != "" && d.Name != forcedName {
			continue
		}

		caps, err := validateEncoder(ctx, d, cfg, prober, hevcMode)
		if err != nil {
			logger.Debugf(ctx, "encoder %q failed probe: %v", d.Name, err)
			continue
		}

		return d, caps, nil
	}

	logger.Errorf(ctx, "no usable encoder survived probing, descriptor table was:\n%s", spew.Sdump(descriptorTable()))
	return nil, nil, &capture.PipelineFatalError{Stage: "registry.Init", Err: fmt.Errorf("no usable encoder survived probing")}
}

// validateEncoder probes both codecs under the reference configs,
// derives capabilities, and rejects the descriptor if nothing passed or
// HDR was required but unsupported.
func validateEncoder(ctx context.Context, d *Descriptor, cfg capture.Config, prober sessionProber, hevcMode int) (map[capture.VideoFormat]capture.Capabilities, error) {
	result := make(map[capture.VideoFormat]capture.Capabilities)

	// hevc_mode >= 2 forces an HEVC probe even past the H264_ONLY flag;
	// mode 0 probes HEVC only for encoders not flagged H.264-only.
	forceHEVC := hevcMode >= 2
	testHEVC := forceHEVC || (hevcMode == 0 && !d.Flags.Has(FlagH264Only))

	formats := []capture.VideoFormat{capture.VideoFormatH264}
	if testHEVC {
		formats = append(formats, capture.VideoFormatHEVC)
	}

	anyPassed := false
	for _, format := range formats {
		caps, err := probeOneCodec(ctx, d, format, prober)
		if err != nil {
			if forceHEVC && format == capture.VideoFormatHEVC {
				return nil, fmt.Errorf("HEVC required but probing failed for encoder %q: %w", d.Name, err)
			}
			continue
		}
		if cfg.Flags().ForceVideoHeaderReplace {
			caps = caps.With(capture.CapVUIParameters, false)
		}
		if caps.Has(capture.CapPassed) {
			anyPassed = true
		}
		result[format] = caps
	}

	if !anyPassed {
		return nil, fmt.Errorf("no codec passed probing for encoder %q", d.Name)
	}
	if hevcMode == 3 {
		if caps, ok := result[capture.VideoFormatHEVC]; !ok || !caps.Has(capture.CapDynamicRange) {
			return nil, fmt.Errorf("HDR required but encoder %q lacks DYNAMIC_RANGE for HEVC", d.Name)
		}
	}

	return result, nil
}

func probeOneCodec(ctx context.Context, d *Descriptor, format capture.VideoFormat, prober sessionProber) (capture.Capabilities, error) {
	maxRef, err := prober.probe(ctx, d, format, probeConfig{NumRefFrames: 1, Slices: 1})
	if err != nil {
		maxRef = probeResult{}
	}
	autosel, err2 := prober.probe(ctx, d, format, probeConfig{NumRefFrames: 0, Slices: 1})
	if err2 != nil {
		autosel = probeResult{}
	}
	if !maxRef.ok && !autosel.ok {
		return 0, fmt.Errorf("both reference probes failed for %s/%s", d.Name, format)
	}

	sliceProbe, _ := prober.probe(ctx, d, format, probeConfig{NumRefFrames: 1, Slices: 2})
	hdrProbe, _ := prober.probe(ctx, d, format, probeConfig{NumRefFrames: 0, Slices: 1, DynamicRange: capture.DynamicRangeHDR})

	return deriveCapabilities(maxRef, autosel, sliceProbe.ok, hdrProbe.ok), nil
}
