// Package libav implements the video capture-and-encode core on top of
// FFmpeg/libav via github.com/asticode/go-astiav: encoder registry and
// probing, SPS/VPS header rewriting, the software scaler fallback, and
// the async/sync capture pipelines that feed encode sessions.
package libav

import (
	"strconv"

	"github.com/asticode/go-astiav"

	"github.com/cgutman/sunshine/pkg/capture"
)

// ConfigField names a Config accessor a descriptor's option table can
// bind an option value to, resolved at session construction. A
// config-bound option always ultimately dereferences a live Config
// field, so naming the field directly keeps the descriptor table a
// plain, package-level literal.
type ConfigField int

const (
	ConfigFieldNone ConfigField = iota
	ConfigFieldNvPreset
	ConfigFieldNvRC
	ConfigFieldNvCoder
	ConfigFieldAmdQuality
	ConfigFieldAmdRC
	ConfigFieldSwPreset
	ConfigFieldSwTune
	ConfigFieldAdapterName
)

func resolveConfigField(cfg capture.Config, f ConfigField) string {
	switch f {
	case ConfigFieldNvPreset:
		return cfg.NvPreset()
	case ConfigFieldNvRC:
		return cfg.NvRC()
	case ConfigFieldNvCoder:
		return cfg.NvCoder()
	case ConfigFieldAmdQuality:
		return cfg.AmdQuality()
	case ConfigFieldAmdRC:
		return cfg.AmdRC()
	case ConfigFieldSwPreset:
		return cfg.SwPreset()
	case ConfigFieldSwTune:
		return cfg.SwTune()
	case ConfigFieldAdapterName:
		return cfg.AdapterName()
	default:
		return ""
	}
}

// OptionValue is one entry of an encoder descriptor's fixed-options
// table.
type OptionValue struct {
	Int         int
	IsInt       bool
	Str         string
	FromConfig  ConfigField // when set, Str/Int are ignored and the value
	// is pulled from cfg at apply time; empty strings are skipped.
}

func IntOpt(v int) OptionValue          { return OptionValue{Int: v, IsInt: true} }
func StrOpt(v string) OptionValue       { return OptionValue{Str: v} }
func FromConfigOpt(f ConfigField) OptionValue { return OptionValue{FromConfig: f} }

// ApplyOption writes v into dict under key. An unset config-bound value
// (empty resolved string) is skipped rather than written.
func ApplyOption(dict *astiav.Dictionary, cfg capture.Config, key string, v OptionValue) {
	if v.FromConfig != ConfigFieldNone {
		s := resolveConfigField(cfg, v.FromConfig)
		if s == "" {
			return
		}
		dict.Set(key, s, 0)
		return
	}
	if v.IsInt {
		dict.Set(key, strconv.Itoa(v.Int), 0)
		return
	}
	if v.Str != "" {
		dict.Set(key, v.Str, 0)
	}
}

// CodecOptions is one codec's (H.264 or HEVC) share of an encoder
// descriptor.
type CodecOptions struct {
	CodecName    string
	FixedOptions map[string]OptionValue

	// SupportsCRF/SupportsQP name the option key to set when the rate
	// control fallback selects CRF or QP; empty means the codec has no
	// such fallback.
	SupportsCRF string
	SupportsQP  string
}

// DescriptorFlag is a static per-family behavioral flag.
type DescriptorFlag uint32

const (
	FlagSystemMemory DescriptorFlag = 1 << iota
	FlagH264Only
	FlagLimitedGOPSize
)

func (f DescriptorFlag) Has(flag DescriptorFlag) bool { return f&flag != 0 }

// ProfileTriple names the back-end integer profile constant to use for
// each of the three supported (codec, dynamic range) combinations.
type ProfileTriple struct {
	H264High   astiav.Profile
	HEVCMain   astiav.Profile
	HEVCMain10 astiav.Profile
}

// HWDeviceContextFactory builds a *astiav.HardwareDeviceContext bound to
// a display-provided hwdevice handle. Platform-specific implementations
// live in hwcontext_dxgi_windows.go and hwcontext_vaapi_linux.go.
type HWDeviceContextFactory func(hw capture.HwDevice, adapterName string) (*astiav.HardwareDeviceContext, error)

// Descriptor is the immutable declaration of one encoder family.
type Descriptor struct {
	Name string

	Profiles ProfileTriple

	HWDeviceType       astiav.HardwareDeviceType
	HWPixelFormat      astiav.PixelFormat
	StaticPixelFormat  astiav.PixelFormat
	DynamicPixelFormat astiav.PixelFormat

	H264 CodecOptions
	HEVC CodecOptions

	Flags DescriptorFlag

	MakeHWDeviceCtx HWDeviceContextFactory
}

func (d *Descriptor) CodecOptions(format capture.VideoFormat) CodecOptions {
	if format == capture.VideoFormatHEVC {
		return d.HEVC
	}
	return d.H264
}

func (d *Descriptor) Profile(format capture.VideoFormat, dynamicRange capture.DynamicRange) astiav.Profile {
	if format == capture.VideoFormatH264 {
		return d.Profiles.H264High
	}
	if dynamicRange == capture.DynamicRangeHDR {
		return d.Profiles.HEVCMain10
	}
	return d.Profiles.HEVCMain
}
