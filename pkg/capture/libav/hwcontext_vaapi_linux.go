//go:build linux

package libav

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/cgutman/sunshine/pkg/capture"
)

// vaapiInitiator is the optional init thunk a display hwdevice exposes
// when it already owns a VA display handle (e.g. one shared with its
// own Wayland/DRM capture path), so vaapiMakeHWDeviceCtx can adopt it
// instead of opening a second VA-API context on the same render node.
type vaapiInitiator interface {
	InitHWDeviceCtx() (*astiav.HardwareDeviceContext, error)
}

// vaapiMakeHWDeviceCtx delegates to the display hwdevice's own init
// thunk when it has one, else opens a VA-API context on the configured
// render node (or the driver default when adapterName is empty).
func vaapiMakeHWDeviceCtx(hw capture.HwDevice, adapterName string) (*astiav.HardwareDeviceContext, error) {
	if init, ok := hw.(vaapiInitiator); ok {
		return init.InitHWDeviceCtx()
	}

	hwCtx, err := astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeVaapi, adapterName, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("vaapi hwdevice ctx: %w", err)
	}
	return hwCtx, nil
}
