package libav

import (
	"encoding/binary"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/cgutman/sunshine/pkg/capture"
)

// LetterboxGeometry is the result of the aspect-preserving scale
// computation: the scaled picture rectangle and where it lands inside
// the output frame.
type LetterboxGeometry struct {
	Scalar  float64
	ScaledW int
	ScaledH int
	OffsetX int
	OffsetY int
	// OffsetYPlane / OffsetUVPlane are the flat, plane-relative sample
	// offsets into the target frame's Y and chroma planes where the
	// scaled picture's top-left corner lands.
	OffsetYPlane  int
	OffsetUVPlane int
}

// letterboxGeometry is kept a pure function of the four dimensions so
// the padding invariants are testable without libswscale.
func letterboxGeometry(inW, inH, outW, outH int) LetterboxGeometry {
	if inW <= 0 || inH <= 0 || outW <= 0 || outH <= 0 {
		return LetterboxGeometry{}
	}
	sx := float64(outW) / float64(inW)
	sy := float64(outH) / float64(inH)
	scalar := sx
	if sy < sx {
		scalar = sy
	}

	scaledW := int(scalar * float64(inW))
	scaledH := int(scalar * float64(inH))
	offX := (outW - scaledW) / 2
	offY := (outH - scaledH) / 2

	return LetterboxGeometry{
		Scalar:        scalar,
		ScaledW:       scaledW,
		ScaledH:       scaledH,
		OffsetX:       offX,
		OffsetY:       offY,
		OffsetYPlane:  offX + offY*outW,
		OffsetUVPlane: (offX + offY*outW/2) / 2,
	}
}

// blackFillValues returns the 8-bit Y/UV sample values of a black pixel
// under the given range.
func blackFillValues(rng capture.ColorRange) (y, uv byte) {
	if rng == capture.ColorRangeJPEG {
		return 0, 128
	}
	return 16, 128
}

// capturePixelFormatToAstiav maps the host-side capture.PixelFormat tag
// (set by the platform Display backend on each captured Image) to the
// libav pixel format the software scaler needs as its source format.
func capturePixelFormatToAstiav(f capture.PixelFormat) astiav.PixelFormat {
	switch f {
	case capture.PixelFormatBGR0:
		return astiav.PixelFormatBgr0
	case capture.PixelFormatNV12:
		return astiav.PixelFormatNv12
	case capture.PixelFormatYUV420P:
		return astiav.PixelFormatYuv420P
	case capture.PixelFormatP010:
		return astiav.PixelFormatP010Le
	case capture.PixelFormatYUV420P10:
		return astiav.PixelFormatYuv420P10Le
	default:
		return astiav.PixelFormatNone
	}
}

// astiavToCapturePixelFormat is the inverse mapping, used when asking a
// Display for a hardware conversion device targeting an encoder's
// software pixel format.
func astiavToCapturePixelFormat(f astiav.PixelFormat) capture.PixelFormat {
	switch f {
	case astiav.PixelFormatBgr0:
		return capture.PixelFormatBGR0
	case astiav.PixelFormatNv12:
		return capture.PixelFormatNV12
	case astiav.PixelFormatYuv420P:
		return capture.PixelFormatYUV420P
	case astiav.PixelFormatP010Le:
		return capture.PixelFormatP010
	case astiav.PixelFormatYuv420P10Le:
		return capture.PixelFormatYUV420P10
	default:
		return capture.PixelFormatUnknown
	}
}

// bytesPerSample reports how many bytes make up one luma/chroma sample
// of the given output format, so plane math strides 10-bit (P010,
// yuv420p10le) planes correctly.
func bytesPerSample(f astiav.PixelFormat) int {
	switch f {
	case astiav.PixelFormatP010Le, astiav.PixelFormatYuv420P10Le:
		return 2
	default:
		return 1
	}
}

// isNV12Like reports whether the format packs chroma as a single
// interleaved U/V plane (NV12, P010) rather than two separate planes.
func isNV12Like(f astiav.PixelFormat) bool {
	switch f {
	case astiav.PixelFormatNv12, astiav.PixelFormatP010Le:
		return true
	default:
		return false
	}
}

// sampleShift reports how far an 8-bit black value shifts into a
// format's 16-bit sample word: P010 packs 10-bit samples into the high
// bits, yuv420p10le into the low bits.
func sampleShift(f astiav.PixelFormat) uint {
	switch f {
	case astiav.PixelFormatP010Le:
		return 8 // 10-bit value << 6, i.e. 8-bit value << 8
	case astiav.PixelFormatYuv420P10Le:
		return 2
	default:
		return 0
	}
}

// planeSizes reports the tightly-packed byte size of each plane of a
// 4:2:0 frame in the given format.
func planeSizes(f astiav.PixelFormat, w, h int) []int {
	bps := bytesPerSample(f)
	luma := w * h * bps
	if isNV12Like(f) {
		return []int{luma, w * (h / 2) * bps}
	}
	chroma := (w / 2) * (h / 2) * bps
	return []int{luma, chroma, chroma}
}

// softwareDevice is the CPU fallback capture.HwDevice: BGR0 -> YUV
// conversion, letterboxing with black padding, and colorspace-aware
// rescale, built on astiav.SoftwareScaleContext (go-astiav's libswscale
// binding). When the session's output frame is hardware-backed it
// scales into a staging frame and uploads via the hardware frame
// transfer primitive.
type softwareDevice struct {
	outW, outH int
	outFormat  astiav.PixelFormat
	targetHW   bool

	geometry   LetterboxGeometry
	cscMode    capture.EncoderCscMode
	colorRange capture.ColorRange

	scaleCtx    *astiav.SoftwareScaleContext
	scaleSrcFmt astiav.PixelFormat
	source      *astiav.Frame
	target      *astiav.Frame
	// staging receives the scaled picture when target is a hardware
	// surface that ScaleFrame cannot write directly.
	staging *astiav.Frame
	// scratch holds the scaler's output at the exact letterbox rectangle
	// size when the negotiated output aspect ratio differs from the
	// source's; nil when no padding is needed.
	scratch *astiav.Frame

	srcBuf []byte
	outBuf []byte
}

func newSoftwareDevice(inW, inH, outW, outH int, outFormat astiav.PixelFormat, targetHW bool) *softwareDevice {
	return &softwareDevice{
		outW:      outW,
		outH:      outH,
		outFormat: outFormat,
		targetHW:  targetHW,
		geometry:  letterboxGeometry(inW, inH, outW, outH),
	}
}

func (d *softwareDevice) SetColorspace(cscMode capture.EncoderCscMode, rng capture.ColorRange) error {
	d.cscMode = cscMode
	d.colorRange = rng
	return nil
}

func (d *softwareDevice) SetFrame(frame any) error {
	f, ok := frame.(*astiav.Frame)
	if !ok {
		return fmt.Errorf("swdevice: expected *astiav.Frame, got %T", frame)
	}
	d.target = f
	return nil
}

func (d *softwareDevice) Data() any { return nil }

func (d *softwareDevice) Frame() any { return d.target }

// stampColor records the negotiated output colorspace and range on a
// destination frame; the scaler's frame API picks its conversion
// coefficients up from there.
func (d *softwareDevice) stampColor(f *astiav.Frame) {
	f.SetColorSpace(scalerColorSpace(d.cscMode))
	if d.colorRange == capture.ColorRangeJPEG {
		f.SetColorRange(astiav.ColorRangeJpeg)
	} else {
		f.SetColorRange(astiav.ColorRangeMpeg)
	}
}

// ensureScaleCtx (re)builds the scale context and its frames whenever
// the source geometry or pixel format changes, mirroring the lazy
// sws context re-creation the capture back-ends rely on when a display
// mode switch changes the snapshot size mid-session.
func (d *softwareDevice) ensureScaleCtx(img *capture.Image) error {
	srcFmt := capturePixelFormatToAstiav(img.Format)
	if srcFmt == astiav.PixelFormatNone {
		return fmt.Errorf("swdevice: unsupported source pixel format %v", img.Format)
	}

	if d.scaleCtx != nil && d.scaleSrcFmt == srcFmt &&
		d.source != nil && d.source.Width() == img.Width && d.source.Height() == img.Height {
		return nil
	}

	if d.source != nil {
		d.source.Free()
		d.source = nil
	}
	if d.scaleCtx != nil {
		d.scaleCtx.Free()
		d.scaleCtx = nil
	}

	flags := astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagLanczos, astiav.SoftwareScaleContextFlagAccurateRnd)
	scaleCtx, err := astiav.CreateSoftwareScaleContext(
		img.Width, img.Height, srcFmt,
		d.geometry.ScaledW, d.geometry.ScaledH, d.outFormat,
		flags,
	)
	if err != nil {
		return fmt.Errorf("swdevice: create scale context: %w", err)
	}

	source := astiav.AllocFrame()
	source.SetWidth(img.Width)
	source.SetHeight(img.Height)
	source.SetPixelFormat(srcFmt)
	source.SetColorRange(astiav.ColorRangeJpeg) // captured BGR0 is full range
	if err := source.AllocBuffer(0); err != nil {
		source.Free()
		scaleCtx.Free()
		return fmt.Errorf("swdevice: allocate source frame: %w", err)
	}

	d.scaleCtx = scaleCtx
	d.scaleSrcFmt = srcFmt
	d.source = source

	padded := d.geometry.ScaledW != d.outW || d.geometry.ScaledH != d.outH
	if padded && d.scratch == nil {
		scratch := astiav.AllocFrame()
		scratch.SetWidth(d.geometry.ScaledW)
		scratch.SetHeight(d.geometry.ScaledH)
		scratch.SetPixelFormat(d.outFormat)
		d.stampColor(scratch)
		if err := scratch.AllocBuffer(0); err != nil {
			scratch.Free()
			return fmt.Errorf("swdevice: allocate letterbox scratch frame: %w", err)
		}
		d.scratch = scratch
	}

	if d.targetHW && d.staging == nil {
		staging := astiav.AllocFrame()
		staging.SetWidth(d.outW)
		staging.SetHeight(d.outH)
		staging.SetPixelFormat(d.outFormat)
		d.stampColor(staging)
		if err := staging.AllocBuffer(0); err != nil {
			staging.Free()
			return fmt.Errorf("swdevice: allocate upload staging frame: %w", err)
		}
		d.staging = staging
	}

	if d.target != nil && !d.targetHW {
		d.stampColor(d.target)
	}
	return nil
}

// packSource copies a captured image into the source frame, collapsing
// the capture pitch down to the tight row stride the frame API expects.
func (d *softwareDevice) packSource(img *capture.Image) error {
	rowBytes := img.Width * 4 // BGR0 and friends are 4 bytes per pixel
	if d.scaleSrcFmt != astiav.PixelFormatBgr0 {
		rowBytes = img.Width * bytesPerSample(d.scaleSrcFmt)
	}
	pitch := img.Pitch
	if pitch == 0 {
		pitch = rowBytes
	}

	need := rowBytes * img.Height
	if pitch == rowBytes && len(img.Data) >= need {
		return d.source.Data().SetBytes(img.Data[:need], 1)
	}

	if cap(d.srcBuf) < need {
		d.srcBuf = make([]byte, need)
	}
	d.srcBuf = d.srcBuf[:need]
	for row := 0; row < img.Height; row++ {
		srcOff := row * pitch
		if srcOff+rowBytes > len(img.Data) {
			return fmt.Errorf("swdevice: image buffer shorter than %d rows of pitch %d", img.Height, pitch)
		}
		copy(d.srcBuf[row*rowBytes:(row+1)*rowBytes], img.Data[srcOff:srcOff+rowBytes])
	}
	return d.source.Data().SetBytes(d.srcBuf, 1)
}

// fillBlackBuf fills a tightly-packed output composition buffer with
// the black letterbox value for the device's format and range, so bars
// around the scaled picture are always black rather than stale bytes.
func fillBlackBuf(buf []byte, format astiav.PixelFormat, w, h int, rng capture.ColorRange) {
	y8, uv8 := blackFillValues(rng)
	sizes := planeSizes(format, w, h)
	bps := bytesPerSample(format)
	shift := sampleShift(format)

	off := 0
	for plane, size := range sizes {
		fill8 := uv8
		if plane == 0 {
			fill8 = y8
		}
		p := buf[off : off+size]
		if bps == 1 {
			for i := range p {
				p[i] = fill8
			}
		} else {
			v := uint16(fill8) << shift
			for i := 0; i+1 < len(p); i += 2 {
				binary.LittleEndian.PutUint16(p[i:], v)
			}
		}
		off += size
	}
}

// Convert scales one captured image into the session's output frame,
// letterboxing when the aspect ratios differ and uploading to the
// hardware surface when the output frame lives on the GPU.
func (d *softwareDevice) Convert(img *capture.Image) error {
	if d.target == nil {
		return fmt.Errorf("swdevice: SetFrame not called")
	}
	if err := d.ensureScaleCtx(img); err != nil {
		return err
	}
	if err := d.packSource(img); err != nil {
		return err
	}

	dst := d.target
	if d.targetHW {
		dst = d.staging
	}

	if d.scratch == nil {
		// Negotiated output already matches the source aspect ratio: no
		// padding rectangle to land, scale straight into the output.
		if err := d.scaleCtx.ScaleFrame(d.source, dst); err != nil {
			return fmt.Errorf("swdevice: scale: %w", err)
		}
	} else {
		if err := d.scaleCtx.ScaleFrame(d.source, d.scratch); err != nil {
			return fmt.Errorf("swdevice: scale into letterbox scratch: %w", err)
		}
		if err := d.composePadded(dst); err != nil {
			return err
		}
	}

	if d.targetHW {
		if err := d.staging.TransferHardwareData(d.target); err != nil {
			return fmt.Errorf("swdevice: hardware frame upload: %w", err)
		}
	}
	return nil
}

// composePadded lands the scaled scratch picture inside a black-filled
// output buffer at the letterbox offsets, then writes the result into
// dst.
func (d *softwareDevice) composePadded(dst *astiav.Frame) error {
	scratchBytes, err := d.scratch.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("swdevice: read letterbox scratch frame: %w", err)
	}

	outSizes := planeSizes(d.outFormat, d.outW, d.outH)
	total := 0
	for _, s := range outSizes {
		total += s
	}
	if cap(d.outBuf) < total {
		d.outBuf = make([]byte, total)
	}
	d.outBuf = d.outBuf[:total]
	fillBlackBuf(d.outBuf, d.outFormat, d.outW, d.outH, d.colorRange)

	g := d.geometry
	bps := bytesPerSample(d.outFormat)
	srcSizes := planeSizes(d.outFormat, g.ScaledW, g.ScaledH)
	if len(scratchBytes) < srcSizes[0] {
		return fmt.Errorf("swdevice: scratch frame bytes shorter than its luma plane")
	}

	// Luma lands at the precomputed flat plane offset.
	blitPlane(d.outBuf[:outSizes[0]], scratchBytes[:srcSizes[0]],
		d.outW*bps, g.ScaledW*bps, g.OffsetYPlane*bps, g.ScaledH)

	chromaRows := g.ScaledH / 2
	dstOff := outSizes[0]
	srcOff := srcSizes[0]
	if isNV12Like(d.outFormat) {
		// Interleaved U/V rows carry width/2 sample pairs, so a chroma
		// row's byte stride equals the luma row's and the flat chroma
		// offset doubles into pair units.
		blitPlane(d.outBuf[dstOff:dstOff+outSizes[1]], scratchBytes[srcOff:srcOff+srcSizes[1]],
			d.outW*bps, g.ScaledW*bps, g.OffsetUVPlane*2*bps, chromaRows)
	} else {
		for plane := 1; plane <= 2; plane++ {
			blitPlane(d.outBuf[dstOff:dstOff+outSizes[plane]], scratchBytes[srcOff:srcOff+srcSizes[plane]],
				(d.outW/2)*bps, (g.ScaledW/2)*bps, g.OffsetUVPlane*bps, chromaRows)
			dstOff += outSizes[plane]
			srcOff += srcSizes[plane]
		}
	}

	return dst.Data().SetBytes(d.outBuf, 1)
}

// blitPlane copies rowCount rows of rowBytes bytes from src into dst,
// treating dst as a dstRowStride-byte-wide raster whose target
// rectangle starts baseOffsetBytes into the plane.
func blitPlane(dst, src []byte, dstRowStride, rowBytes, baseOffsetBytes, rowCount int) {
	for row := 0; row < rowCount; row++ {
		dstOff := baseOffsetBytes + row*dstRowStride
		srcOff := row * rowBytes
		if dstOff < 0 || dstOff+rowBytes > len(dst) || srcOff+rowBytes > len(src) {
			continue
		}
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	}
}

// Close releases the scaler's own libav resources. It is not part of
// the capture.HwDevice interface; the session that constructed the
// device concretely invokes it during teardown.
func (d *softwareDevice) Close() error {
	if d.source != nil {
		d.source.Free()
		d.source = nil
	}
	if d.scratch != nil {
		d.scratch.Free()
		d.scratch = nil
	}
	if d.staging != nil {
		d.staging.Free()
		d.staging = nil
	}
	if d.scaleCtx != nil {
		d.scaleCtx.Free()
		d.scaleCtx = nil
	}
	return nil
}
