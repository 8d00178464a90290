package capture

// HwDevice converts captured Images into encoder-ready frames, either on
// the GPU (a platform hardware device) or in software (see
// pkg/capture/libav's software scaler fallback).
type HwDevice interface {
	Convert(img *Image) error
	SetFrame(frame any) error
	SetColorspace(cscMode EncoderCscMode, rng ColorRange) error

	// Frame returns the frame last configured via SetFrame, so a caller
	// can hand it to the encoder once Convert has populated it.
	Frame() any

	// Data exposes the opaque payload platform hwdevice-context factories
	// need (e.g. a D3D11 device pointer, a VA display handle).
	Data() any
}
