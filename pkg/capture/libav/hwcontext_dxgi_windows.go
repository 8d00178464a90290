//go:build windows

package libav

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/cgutman/sunshine/pkg/capture"
)

// dxgiMakeHWDeviceCtx builds the D3D11 hardware device context an
// encoder binds its frame pool to. The display serializes D3D11 access
// externally, so no locking is layered on top here. go-astiav's
// hardware-device-context factory doesn't expose a "wrap an existing
// device pointer" constructor, so a fresh device context is opened on
// the default adapter rather than adopting the display's own pointer.
func dxgiMakeHWDeviceCtx(hw capture.HwDevice, _ string) (*astiav.HardwareDeviceContext, error) {
	if hw == nil {
		return nil, fmt.Errorf("dxgi hwdevice ctx: display furnished no hardware device")
	}
	hwCtx, err := astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeD3D11Va, "", nil, 0)
	if err != nil {
		return nil, fmt.Errorf("dxgi hwdevice ctx: %w", err)
	}
	return hwCtx, nil
}
