package libav

import (
	"errors"

	"github.com/cgutman/sunshine/pkg/capture"
)

// No ecosystem library in this codebase's dependency pack implements
// H.264/HEVC SPS/VUI parsing and rewriting (FFmpeg's own "cbs" API isn't
// exposed through go-astiav). This file is a from-scratch, minimal
// Annex-B NAL scanner and SPS VUI-block writer, grounded on the ITU-T
// H.264/H.265 syntax tables rather than on any example repo.

// NALUnit is one Annex-B delimited unit of a freshly received packet.
type NALUnit struct {
	// Type is the NAL unit type: H.264 nal_unit_type (5 bits) or HEVC
	// nal_unit_type (6 bits), per Format.
	Type int
	// Raw is the escaped payload exactly as it appears on the wire,
	// start code excluded. Replacement-table entries must use these
	// bytes so the muxer can locate them in the packet.
	Raw []byte
	// RBSP is the unescaped payload, including the NAL header byte(s).
	RBSP []byte
}

const (
	nalH264SPS = 7
	nalH264PPS = 8

	nalHEVCVPS = 32
	nalHEVCSPS = 33
)

// ScanNALUnits splits an Annex-B bitstream into its constituent NAL
// units. It tolerates both 3-byte and 4-byte start codes.
func ScanNALUnits(data []byte, format capture.VideoFormat) []NALUnit {
	starts := startCodeOffsets(data)
	var units []NALUnit
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		payloadStart := s.offset + s.length
		if payloadStart >= end {
			continue
		}
		ebsp := data[payloadStart:end]
		rbsp := unescapeRBSP(ebsp)
		if len(rbsp) == 0 {
			continue
		}
		var nalType int
		if format == capture.VideoFormatHEVC {
			nalType = int(rbsp[0]>>1) & 0x3F
		} else {
			nalType = int(rbsp[0]) & 0x1F
		}
		units = append(units, NALUnit{Type: nalType, Raw: ebsp, RBSP: rbsp})
	}
	return units
}

type startCode struct {
	offset int
	length int
}

func startCodeOffsets(data []byte) []startCode {
	var out []startCode
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			out = append(out, startCode{offset: i, length: 3})
			i += 2
			continue
		}
		if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
			out = append(out, startCode{offset: i, length: 4})
			i += 3
		}
	}
	return out
}

// DetectPrefixLength reports the start-code length of the first NAL unit
// in data, or 0 if none was found.
func DetectPrefixLength(data []byte) int {
	starts := startCodeOffsets(data)
	if len(starts) == 0 {
		return 0
	}
	return starts[0].length
}

// idrNALUPrefix is the 4-byte start code followed by the first header
// byte of an IDR slice NAL, which is what clients search for to locate
// a keyframe: 0x65 for H.264 (nal_ref_idc=3, type 5), 0x28 for HEVC
// (IDR_N_LP, type 20).
func idrNALUPrefix(format capture.VideoFormat) []byte {
	if format == capture.VideoFormatHEVC {
		return []byte{0x00, 0x00, 0x00, 0x01, 0x28}
	}
	return []byte{0x00, 0x00, 0x00, 0x01, 0x65}
}

// NALUPrefixReplacement is the replacement-table entry seeded for
// encoders lacking the NALU_PREFIX_5b capability: the active codec's
// 3-byte-prefixed IDR start is rewritten to the 4-byte form.
func NALUPrefixReplacement(format capture.VideoFormat) capture.Replacement {
	prefix := idrNALUPrefix(format)
	return capture.Replacement{
		Old: prefix[1:],
		New: prefix,
	}
}

func unescapeRBSP(ebsp []byte) []byte {
	out := make([]byte, 0, len(ebsp))
	zeroRun := 0
	for i := 0; i < len(ebsp); i++ {
		b := ebsp[i]
		if zeroRun >= 2 && b == 0x03 && i+1 < len(ebsp) && ebsp[i+1] <= 0x03 {
			zeroRun = 0
			continue
		}
		out = append(out, b)
		if b == 0 {
			zeroRun++
		} else {
			zeroRun = 0
		}
	}
	return out
}

func escapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/3+1)
	zeroRun := 0
	for _, b := range rbsp {
		if zeroRun >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeroRun = 0
		}
		out = append(out, b)
		if b == 0 {
			zeroRun++
		} else {
			zeroRun = 0
		}
	}
	return out
}

// bitReader reads MSB-first bits out of an RBSP buffer, optionally
// teeing every consumed bit into a bitWriter so a caller can copy a
// prefix of the bitstream through unmodified while it scans forward to
// find an injection point.
type bitReader struct {
	data   []byte
	bitPos int
	tee    *bitWriter
}

func (r *bitReader) readBit() int {
	byteIdx := r.bitPos / 8
	if byteIdx >= len(r.data) {
		return 0
	}
	bitIdx := 7 - r.bitPos%8
	b := int((r.data[byteIdx] >> uint(bitIdx)) & 1)
	r.bitPos++
	if r.tee != nil {
		r.tee.writeBit(b)
	}
	return b
}

func (r *bitReader) readBits(n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<1 | uint64(r.readBit())
	}
	return v
}

func (r *bitReader) readUE() uint64 {
	leadingZeros := 0
	for r.readBit() == 0 {
		leadingZeros++
		if leadingZeros > 32 {
			return 0
		}
	}
	if leadingZeros == 0 {
		return 0
	}
	rest := r.readBits(leadingZeros)
	return (uint64(1)<<uint(leadingZeros) - 1) + rest
}

func (r *bitReader) readSE() int64 {
	ue := r.readUE()
	if ue%2 == 0 {
		return -int64(ue / 2)
	}
	return int64((ue + 1) / 2)
}

type bitWriter struct {
	buf    []byte
	bitPos int
}

func (w *bitWriter) writeBit(b int) {
	byteIdx := w.bitPos / 8
	for byteIdx >= len(w.buf) {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[byteIdx] |= 1 << uint(7-w.bitPos%8)
	}
	w.bitPos++
}

func (w *bitWriter) writeBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(int(v>>uint(i)) & 1)
	}
}

func (w *bitWriter) rbspTrailingBits() {
	w.writeBit(1)
	for w.bitPos%8 != 0 {
		w.writeBit(0)
	}
}

// colorTags maps a color standard to the AVC/HEVC VUI
// colour_primaries/transfer_characteristics/matrix_coefficients triple.
func colorTags(std capture.ColorStandard) (primaries, transfer, matrix int) {
	switch std {
	case capture.ColorStandardRec709:
		return 1, 1, 1
	case capture.ColorStandardRec2020:
		return 9, 16, 9
	default:
		return 6, 6, 6
	}
}

// writeVUICommonHead writes the VUI fields shared between H.264 and
// HEVC, up to and including chroma_loc_info_present_flag.
func writeVUICommonHead(w *bitWriter, mode capture.EncoderCscMode) {
	w.writeBit(0)     // aspect_ratio_info_present_flag
	w.writeBit(0)     // overscan_info_present_flag
	w.writeBit(1)     // video_signal_type_present_flag
	w.writeBits(5, 3) // video_format = unspecified
	fullRange := 0
	if mode.Range() == capture.ColorRangeJPEG {
		fullRange = 1
	}
	w.writeBit(fullRange)
	w.writeBit(1) // colour_description_present_flag
	primaries, transfer, matrix := colorTags(mode.Standard())
	w.writeBits(uint64(primaries), 8)
	w.writeBits(uint64(transfer), 8)
	w.writeBits(uint64(matrix), 8)
	w.writeBit(0) // chroma_loc_info_present_flag
}

func writeVUIParametersH264(w *bitWriter, mode capture.EncoderCscMode) {
	writeVUICommonHead(w, mode)
	w.writeBit(0) // timing_info_present_flag
	w.writeBit(0) // nal_hrd_parameters_present_flag
	w.writeBit(0) // vcl_hrd_parameters_present_flag
	w.writeBit(0) // pic_struct_present_flag
	w.writeBit(0) // bitstream_restriction_flag
}

func writeVUIParametersHEVC(w *bitWriter, mode capture.EncoderCscMode) {
	writeVUICommonHead(w, mode)
	w.writeBit(0) // neutral_chroma_indication_flag
	w.writeBit(0) // field_seq_flag
	w.writeBit(0) // frame_field_info_present_flag
	w.writeBit(0) // default_display_window_flag
	w.writeBit(0) // vui_timing_info_present_flag
	w.writeBit(0) // bitstream_restriction_flag
}

var errScalingListsUnsupported = errors.New("sps carries scaling lists: unsupported by this rewriter")
var errPredictedRPSUnsupported = errors.New("sps uses predicted short-term ref pic sets: unsupported by this rewriter")

func isHighProfileH264(profileIdc uint64) bool {
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

// RewriteH264SPSVUI builds a rewritten copy of an H.264 SPS NAL (RBSP
// in, header byte included) with vui_parameters_present_flag forced to
// 1 and a minimal VUI block describing mode appended. The returned
// bytes are Annex-B escaped, ready for a replacement-table entry. When
// the SPS already carries VUI parameters it reports present=true and
// returns no rewrite.
func RewriteH264SPSVUI(sps []byte, mode capture.EncoderCscMode) (rewritten []byte, present bool, _ error) {
	if len(sps) < 2 {
		return nil, false, errors.New("sps nal too short")
	}
	r := &bitReader{data: sps}
	w := &bitWriter{}
	r.tee = w

	r.readBits(8) // nal header byte, copied through

	profileIdc := r.readBits(8)
	r.readBits(8) // constraint flags
	r.readBits(8) // level_idc
	r.readUE()    // seq_parameter_set_id

	if isHighProfileH264(profileIdc) {
		chroma := r.readUE()
		if chroma == 3 {
			r.readBit()
		}
		r.readUE() // bit_depth_luma_minus8
		r.readUE() // bit_depth_chroma_minus8
		r.readBit() // qpprime_y_zero_transform_bypass_flag
		if r.readBit() != 0 {
			return nil, false, errScalingListsUnsupported
		}
	}

	r.readUE() // log2_max_frame_num_minus4
	pocType := r.readUE()
	switch pocType {
	case 0:
		r.readUE()
	case 1:
		r.readBit()
		r.readSE()
		r.readSE()
		n := r.readUE()
		for i := uint64(0); i < n; i++ {
			r.readSE()
		}
	}
	r.readUE()  // max_num_ref_frames
	r.readBit() // gaps_in_frame_num_value_allowed_flag
	r.readUE()  // pic_width_in_mbs_minus1
	r.readUE()  // pic_height_in_map_units_minus1
	frameMbsOnly := r.readBit()
	if frameMbsOnly == 0 {
		r.readBit() // mb_adaptive_frame_field_flag
	}
	r.readBit() // direct_8x8_inference_flag
	if r.readBit() != 0 {
		r.readUE()
		r.readUE()
		r.readUE()
		r.readUE()
	}

	r.tee = nil
	if r.readBit() != 0 {
		return nil, true, nil
	}

	w.writeBit(1)
	writeVUIParametersH264(w, mode)
	w.rbspTrailingBits()

	return escapeRBSP(w.buf), false, nil
}

// skipProfileTierLevel consumes the fixed-size profile_tier_level()
// syntax structure (H.265 §7.3.3). Every conditional branch within it
// sums to the same bit width, so it can be consumed without interpreting
// any of the values.
func skipProfileTierLevel(r *bitReader, maxNumSubLayersMinus1 int) {
	for i := 0; i < 96; i++ {
		r.readBit()
	}

	profilePresent := make([]bool, maxNumSubLayersMinus1)
	levelPresent := make([]bool, maxNumSubLayersMinus1)
	for i := 0; i < maxNumSubLayersMinus1; i++ {
		profilePresent[i] = r.readBit() != 0
		levelPresent[i] = r.readBit() != 0
	}
	if maxNumSubLayersMinus1 > 0 {
		for i := maxNumSubLayersMinus1; i < 8; i++ {
			r.readBits(2)
		}
	}
	for i := 0; i < maxNumSubLayersMinus1; i++ {
		if profilePresent[i] {
			for j := 0; j < 88; j++ {
				r.readBit()
			}
		}
		if levelPresent[i] {
			r.readBits(8)
		}
	}
}

func skipShortTermRefPicSet(r *bitReader, stRpsIdx int) error {
	if stRpsIdx != 0 {
		if r.readBit() != 0 {
			return errPredictedRPSUnsupported
		}
	}
	numNeg := r.readUE()
	numPos := r.readUE()
	for i := uint64(0); i < numNeg; i++ {
		r.readUE()
		r.readBit()
	}
	for i := uint64(0); i < numPos; i++ {
		r.readUE()
		r.readBit()
	}
	return nil
}

// RewriteHEVCSPSVUI is the HEVC counterpart of RewriteH264SPSVUI. It
// supports the structure emitted by the low-latency encoder
// configurations this module drives (no explicit scaling list data, no
// PCM, no long-term reference pictures, non-predicted short-term
// reference picture sets); anything else is reported as an error rather
// than silently producing a corrupt bitstream.
func RewriteHEVCSPSVUI(sps []byte, mode capture.EncoderCscMode) (rewritten []byte, present bool, _ error) {
	if len(sps) < 2 {
		return nil, false, errors.New("sps nal too short")
	}
	r := &bitReader{data: sps}
	w := &bitWriter{}
	r.tee = w

	r.readBits(16) // 2-byte HEVC NAL header, copied through

	r.readBits(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := int(r.readBits(3))
	r.readBit() // sps_temporal_id_nesting_flag

	skipProfileTierLevel(r, maxSubLayersMinus1)

	r.readUE() // sps_seq_parameter_set_id
	chroma := r.readUE()
	if chroma == 3 {
		r.readBit()
	}
	r.readUE() // pic_width_in_luma_samples
	r.readUE() // pic_height_in_luma_samples
	if r.readBit() != 0 {
		r.readUE()
		r.readUE()
		r.readUE()
		r.readUE()
	}
	r.readUE() // bit_depth_luma_minus8
	r.readUE() // bit_depth_chroma_minus8
	r.readUE() // log2_max_pic_order_cnt_lsb_minus4

	orderingInfoPresent := r.readBit()
	start := maxSubLayersMinus1
	if orderingInfoPresent != 0 {
		start = 0
	}
	for i := start; i <= maxSubLayersMinus1; i++ {
		r.readUE()
		r.readUE()
		r.readUE()
	}

	r.readUE() // log2_min_luma_coding_block_size_minus3
	r.readUE() // log2_diff_max_min_luma_coding_block_size
	r.readUE() // log2_min_luma_transform_block_size_minus2
	r.readUE() // log2_diff_max_min_luma_transform_block_size
	r.readUE() // max_transform_hierarchy_depth_inter
	r.readUE() // max_transform_hierarchy_depth_intra

	if r.readBit() != 0 { // scaling_list_enabled_flag
		if r.readBit() != 0 {
			return nil, false, errScalingListsUnsupported
		}
	}
	r.readBit() // amp_enabled_flag
	r.readBit() // sample_adaptive_offset_enabled_flag
	if r.readBit() != 0 { // pcm_enabled_flag
		return nil, false, errors.New("sps uses pcm: unsupported by this rewriter")
	}

	numShortTerm := r.readUE()
	for i := uint64(0); i < numShortTerm; i++ {
		if err := skipShortTermRefPicSet(r, int(i)); err != nil {
			return nil, false, err
		}
	}
	if r.readBit() != 0 { // long_term_ref_pics_present_flag
		return nil, false, errors.New("sps uses long-term ref pics: unsupported by this rewriter")
	}
	r.readBit() // sps_temporal_mvp_enabled_flag
	r.readBit() // strong_intra_smoothing_enabled_flag

	r.tee = nil
	if r.readBit() != 0 {
		return nil, true, nil
	}

	w.writeBit(1)
	writeVUIParametersHEVC(w, mode)
	w.writeBit(0) // sps_extension_present_flag
	w.rbspTrailingBits()

	return escapeRBSP(w.buf), false, nil
}
