// Package capture defines the data model and external-collaborator
// interfaces of the video capture-and-encode core. Concrete back-ends
// live in sub-packages (see pkg/capture/libav for the FFmpeg/libav one).
package capture

// VideoFormat selects the codec family a session encodes to.
type VideoFormat int

const (
	VideoFormatH264 VideoFormat = 0
	VideoFormatHEVC VideoFormat = 1
)

func (f VideoFormat) String() string {
	switch f {
	case VideoFormatH264:
		return "h264"
	case VideoFormatHEVC:
		return "hevc"
	default:
		return "unknown"
	}
}

// DynamicRange selects whether a session targets SDR or HDR output.
type DynamicRange int

const (
	DynamicRangeSDR DynamicRange = 0
	DynamicRangeHDR DynamicRange = 1
)

// EncoderCscMode packs the client-requested color conversion mode: bit 0
// is the output range (0 = MPEG/limited, 1 = JPEG/full), the remaining
// bits select the color standard (0 = Rec.601, 1 = Rec.709, 2 = Rec.2020).
type EncoderCscMode uint32

// Range reports the configured output range.
func (m EncoderCscMode) Range() ColorRange {
	if m&1 != 0 {
		return ColorRangeJPEG
	}
	return ColorRangeMPEG
}

// Standard reports the configured color standard.
func (m EncoderCscMode) Standard() ColorStandard {
	return ColorStandard(m >> 1)
}

type ColorRange int

const (
	ColorRangeMPEG ColorRange = 1
	ColorRangeJPEG ColorRange = 2
)

type ColorStandard int

const (
	ColorStandardRec601 ColorStandard = 0
	ColorStandardRec709 ColorStandard = 1
	ColorStandardRec2020 ColorStandard = 2
)

// SessionConfig is the client-negotiated shape of one streaming session.
type SessionConfig struct {
	Width           int
	Height          int
	Framerate       int
	BitrateKbps     int
	SlicesPerFrame  int
	NumRefFrames    int
	EncoderCscMode  EncoderCscMode
	VideoFormat     VideoFormat
	DynamicRange    DynamicRange
}

// Capability is a single bit of an encoder's probed capability set.
type Capability uint32

const (
	CapPassed Capability = 1 << iota
	CapRefFramesRestrict
	CapRefFramesAutoselect
	CapSlice
	CapDynamicRange
	CapVUIParameters
	CapNALUPrefix5b
)

// Capabilities is the bitset derived by the registry probe for one
// encoder family and one codec.
type Capabilities uint32

func (c Capabilities) Has(cap Capability) bool { return c&Capabilities(cap) != 0 }

func (c Capabilities) With(cap Capability, set bool) Capabilities {
	if set {
		return c | Capabilities(cap)
	}
	return c &^ Capabilities(cap)
}

// Image is a captured display frame.
type Image struct {
	Data    []byte
	Width   int
	Height  int
	Pitch   int
	Format  PixelFormat
	Display Display // keeps the owning display alive while the image is
}

// PixelFormat tags the layout of an Image's pixel buffer.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatBGR0
	PixelFormatNV12
	PixelFormatYUV420P
	PixelFormatP010
	PixelFormatYUV420P10
)

// Flags are boolean host settings not carried by SessionConfig.
type Flags struct {
	ForceVideoHeaderReplace bool
}
