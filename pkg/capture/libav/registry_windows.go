//go:build windows

package libav

import (
	"github.com/asticode/go-astiav"
)

func init() {
	platformDescriptors = append(platformDescriptors, nvencDescriptor, amdvceDescriptor)
}

var nvencDescriptor = &Descriptor{
	Name: "nvenc",
	// NVENC numbers its profiles itself rather than using libav's
	// FF_PROFILE constants: h264 high = 2, hevc main = 0, main10 = 1.
	Profiles: ProfileTriple{
		H264High:   astiav.Profile(2),
		HEVCMain:   astiav.Profile(0),
		HEVCMain10: astiav.Profile(1),
	},
	HWDeviceType:       astiav.HardwareDeviceTypeD3D11Va,
	HWPixelFormat:      astiav.PixelFormatD3D11,
	StaticPixelFormat:  astiav.PixelFormatNv12,
	DynamicPixelFormat: astiav.PixelFormatP010Le,
	H264: CodecOptions{
		CodecName: "h264_nvenc",
		FixedOptions: map[string]OptionValue{
			"forced-idr":  IntOpt(1),
			"zerolatency": IntOpt(1),
			"preset":      FromConfigOpt(ConfigFieldNvPreset),
			"rc":          FromConfigOpt(ConfigFieldNvRC),
			"coder":       FromConfigOpt(ConfigFieldNvCoder),
		},
		SupportsQP: "qp",
	},
	HEVC: CodecOptions{
		CodecName: "hevc_nvenc",
		FixedOptions: map[string]OptionValue{
			"forced-idr":  IntOpt(1),
			"zerolatency": IntOpt(1),
			"preset":      FromConfigOpt(ConfigFieldNvPreset),
			"rc":          FromConfigOpt(ConfigFieldNvRC),
		},
		SupportsQP: "qp",
	},
	MakeHWDeviceCtx: dxgiMakeHWDeviceCtx,
}

var amdvceDescriptor = &Descriptor{
	Name: "amdvce",
	Profiles: ProfileTriple{
		H264High:   astiav.ProfileH264High,
		HEVCMain:   astiav.ProfileHevcMain,
		HEVCMain10: astiav.ProfileHevcMain10,
	},
	HWDeviceType:       astiav.HardwareDeviceTypeD3D11Va,
	HWPixelFormat:      astiav.PixelFormatD3D11,
	StaticPixelFormat:  astiav.PixelFormatNv12,
	DynamicPixelFormat: astiav.PixelFormatP010Le,
	H264: CodecOptions{
		CodecName: "h264_amf",
		FixedOptions: map[string]OptionValue{
			"usage":      StrOpt("ultralowlatency"),
			"quality":    FromConfigOpt(ConfigFieldAmdQuality),
			"rc":         FromConfigOpt(ConfigFieldAmdRC),
			"log_to_dbg": StrOpt("1"),
		},
		SupportsQP: "qp",
	},
	HEVC: CodecOptions{
		CodecName: "hevc_amf",
		FixedOptions: map[string]OptionValue{
			"usage":                 StrOpt("ultralowlatency"),
			"quality":               FromConfigOpt(ConfigFieldAmdQuality),
			"rc":                    FromConfigOpt(ConfigFieldAmdRC),
			"header_insertion_mode": StrOpt("idr"),
			"gops_per_idr":          IntOpt(30),
		},
		SupportsQP: "qp",
	},
	MakeHWDeviceCtx: dxgiMakeHWDeviceCtx,
}
