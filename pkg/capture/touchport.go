package capture

// TouchPort maps a client's absolute pointer coordinates onto host
// screen coordinates. It is raised once per sync session start and once
// per async session reinit.
type TouchPort struct {
	OffsetX   int
	OffsetY   int
	Width     int
	Height    int
	EnvWidth  int
	EnvHeight int
	InvScalar float64
}

// NewTouchPort derives a TouchPort from a display and the session's
// negotiated output size: scalar = min(cfg.w/disp.w, cfg.h/disp.h),
// Width/Height are the display rect scaled by it, InvScalar is its
// reciprocal.
func NewTouchPort(disp Display, cfgWidth, cfgHeight int) TouchPort {
	scalar := letterboxScalar(disp.Width(), disp.Height(), cfgWidth, cfgHeight)
	inv := 0.0
	if scalar != 0 {
		inv = 1 / scalar
	}
	return TouchPort{
		OffsetX:   disp.OffsetX(),
		OffsetY:   disp.OffsetY(),
		Width:     int(scalar * float64(disp.Width())),
		Height:    int(scalar * float64(disp.Height())),
		EnvWidth:  disp.EnvWidth(),
		EnvHeight: disp.EnvHeight(),
		InvScalar: inv,
	}
}

func letterboxScalar(inW, inH, outW, outH int) float64 {
	if inW == 0 || inH == 0 {
		return 0
	}
	sx := float64(outW) / float64(inW)
	sy := float64(outH) / float64(inH)
	if sx < sy {
		return sx
	}
	return sy
}
