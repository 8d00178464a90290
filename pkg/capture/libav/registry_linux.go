//go:build linux

package libav

import (
	"github.com/asticode/go-astiav"
)

func init() {
	platformDescriptors = append(platformDescriptors, vaapiDescriptor)
}

var vaapiDescriptor = &Descriptor{
	Name: "vaapi",
	Profiles: ProfileTriple{
		H264High:   astiav.ProfileH264High,
		HEVCMain:   astiav.ProfileHevcMain,
		HEVCMain10: astiav.ProfileHevcMain10,
	},
	HWDeviceType:       astiav.HardwareDeviceTypeVaapi,
	HWPixelFormat:      astiav.PixelFormatVaapi,
	StaticPixelFormat:  astiav.PixelFormatNv12,
	DynamicPixelFormat: astiav.PixelFormatYuv420P10Le,
	H264: CodecOptions{
		CodecName: "h264_vaapi",
		FixedOptions: map[string]OptionValue{
			"sei":         IntOpt(0),
			"idr_interval": IntOpt(1<<31 - 1),
		},
	},
	HEVC: CodecOptions{
		CodecName: "hevc_vaapi",
		FixedOptions: map[string]OptionValue{
			"sei":         IntOpt(0),
			"idr_interval": IntOpt(1<<31 - 1),
		},
	},
	// VA-API drivers commonly cannot express an infinite GOP in 32 bits,
	// and conversion still round-trips through system memory here.
	Flags: FlagLimitedGOPSize | FlagSystemMemory,

	MakeHWDeviceCtx: vaapiMakeHWDeviceCtx,
}
