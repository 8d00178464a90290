package libav

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgutman/sunshine/pkg/capture"
)

func writeUE(w *bitWriter, v uint64) {
	v1 := v + 1
	n := bits.Len64(v1)
	for i := 0; i < n-1; i++ {
		w.writeBit(0)
	}
	w.writeBits(v1, n)
}

// buildBaselineH264SPS assembles a minimal Annex-B escaped baseline
// profile SPS NAL with vui_parameters_present_flag cleared, exercising
// the same field order RewriteH264SPSVUI parses.
func buildBaselineH264SPS(t *testing.T) []byte {
	t.Helper()
	w := &bitWriter{}
	w.writeBits(0x67, 8) // nal header: ref_idc=3, type=7 (SPS)
	w.writeBits(66, 8)   // profile_idc: baseline (not a "high" profile)
	w.writeBits(0, 8)    // constraint flags
	w.writeBits(30, 8)   // level_idc
	writeUE(w, 0)        // seq_parameter_set_id
	writeUE(w, 0)        // log2_max_frame_num_minus4
	writeUE(w, 0)        // pic_order_cnt_type
	writeUE(w, 0)        // log2_max_pic_order_cnt_lsb_minus4
	writeUE(w, 1)        // max_num_ref_frames
	w.writeBit(0)        // gaps_in_frame_num_value_allowed_flag
	writeUE(w, 119)      // pic_width_in_mbs_minus1 (1920/16 - 1)
	writeUE(w, 67)       // pic_height_in_map_units_minus1
	w.writeBit(1)        // frame_mbs_only_flag
	w.writeBit(0)        // direct_8x8_inference_flag
	w.writeBit(0)        // frame_cropping_flag
	w.writeBit(0)        // vui_parameters_present_flag
	w.rbspTrailingBits()
	return w.buf
}

func TestRewriteH264SPSVUI_InjectsWhenAbsent(t *testing.T) {
	sps := buildBaselineH264SPS(t)

	rewritten, present, err := RewriteH264SPSVUI(sps, capture.EncoderCscMode(0))
	require.NoError(t, err)
	require.False(t, present)
	assert.Greater(t, len(rewritten), len(sps), "adding a VUI block must grow the NAL")

	// The rewritten bytes are Annex-B escaped: scanning them back as a
	// NAL unit must land on an SPS whose RBSP now carries VUI.
	units := ScanNALUnits(prefixStartCode(rewritten), capture.VideoFormatH264)
	require.Len(t, units, 1)
	assert.Equal(t, nalH264SPS, units[0].Type)
	assert.True(t, spsHasVUI(units[0].RBSP, capture.VideoFormatH264))
}

func TestRewriteH264SPSVUI_ReportsPresentOnceVUIInjected(t *testing.T) {
	sps := buildBaselineH264SPS(t)

	once, present, err := RewriteH264SPSVUI(sps, capture.EncoderCscMode(0))
	require.NoError(t, err)
	require.False(t, present)

	units := ScanNALUnits(prefixStartCode(once), capture.VideoFormatH264)
	require.Len(t, units, 1)

	rewritten, present, err := RewriteH264SPSVUI(units[0].RBSP, capture.EncoderCscMode(0))
	require.NoError(t, err)
	assert.True(t, present, "an SPS that already carries VUI parameters must be reported as such")
	assert.Nil(t, rewritten)
}

func prefixStartCode(nal []byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nal...)
}

func TestScanNALUnits_ToleratesThreeAndFourByteStartCodes(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCC,
	}
	units := ScanNALUnits(data, capture.VideoFormatH264)
	require.Len(t, units, 2)
	assert.Equal(t, nalH264SPS, units[0].Type)
	assert.Equal(t, nalH264PPS, units[1].Type)
}

func TestDetectPrefixLength(t *testing.T) {
	assert.Equal(t, 3, DetectPrefixLength([]byte{0x00, 0x00, 0x01, 0x67}))
	assert.Equal(t, 4, DetectPrefixLength([]byte{0x00, 0x00, 0x00, 0x01, 0x67}))
	assert.Equal(t, 0, DetectPrefixLength([]byte{0x01, 0x02, 0x03}))
}

func TestEscapeUnescapeRBSP_RoundTrips(t *testing.T) {
	rbsp := []byte{0x67, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00, 0x03}
	escaped := escapeRBSP(rbsp)
	assert.Equal(t, rbsp, unescapeRBSP(escaped))

	// The escaper must insert an emulation-prevention byte ahead of any
	// trailing byte <= 0x03 following two or more zero bytes.
	assert.Contains(t, string(escaped), string([]byte{0x00, 0x00, 0x03, 0x00}))
}

func TestNALUPrefixReplacement(t *testing.T) {
	h264 := NALUPrefixReplacement(capture.VideoFormatH264)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x65}, h264.Old)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65}, h264.New)

	hevc := NALUPrefixReplacement(capture.VideoFormatHEVC)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x28}, hevc.Old)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x28}, hevc.New)
}

func TestScanNALUnits_RawCarriesOnWireBytes(t *testing.T) {
	// An escaped payload must surface verbatim in Raw while RBSP holds
	// the unescaped form, so replacement entries match the packet bytes.
	raw := []byte{0x67, 0x00, 0x00, 0x03, 0x01, 0xAB}
	data := prefixStartCode(raw)
	units := ScanNALUnits(data, capture.VideoFormatH264)
	require.Len(t, units, 1)
	assert.Equal(t, raw, units[0].Raw)
	assert.Equal(t, []byte{0x67, 0x00, 0x00, 0x01, 0xAB}, units[0].RBSP)
}
