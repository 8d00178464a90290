package capture

import (
	"context"
	"time"
)

// SnapshotResult reports the outcome of one Display.Snapshot call.
type SnapshotResult int

const (
	SnapshotOK SnapshotResult = iota
	SnapshotTimeout
	SnapshotReinit
	SnapshotError
)

// MemType tells a display factory which capture back-end to open, i.e.
// where the frames an encoder consumes will live: a DXGI or VA-API
// device for GPU-shared surfaces, or plain system memory.
type MemType int

const (
	MemTypeSystem MemType = iota
	MemTypeDXGI
	MemTypeVAAPI
	MemTypeUnknown
)

func (t MemType) String() string {
	switch t {
	case MemTypeSystem:
		return "system"
	case MemTypeDXGI:
		return "dxgi"
	case MemTypeVAAPI:
		return "vaapi"
	default:
		return "unknown"
	}
}

// Display is the platform capture back-end consumed by the pipelines. It
// is an external collaborator: this module never implements one, it only
// drives whatever the host's platform layer supplies.
type Display interface {
	// Snapshot fills img with the next captured frame, waiting up to
	// timeout. showCursor requests the cursor be composited in.
	Snapshot(ctx context.Context, img *Image, timeout time.Duration, showCursor bool) (SnapshotResult, error)

	AllocImg() *Image

	// DummyImg fills img with a neutral pattern, used by the probe to
	// exercise an encoder without a live capture source.
	DummyImg(img *Image)

	// MakeHwDevice returns a hardware-backed conversion device bound to
	// pixFmt, or nil if the display has no hardware path for it.
	MakeHwDevice(pixFmt PixelFormat) HwDevice

	Width() int
	Height() int
	OffsetX() int
	OffsetY() int
	EnvWidth() int
	EnvHeight() int
}
