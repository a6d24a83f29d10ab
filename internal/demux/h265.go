package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/zsiec/vtpipe/internal/annexb"
	"github.com/zsiec/vtpipe/internal/bitstream"
)

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALTrailN     = 0
	HEVCNALTrailR     = 1
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// Table sizes for HEVC parameter sets.
const (
	MaxHEVCSPS      = 32
	MaxShortTermRPS = 64
	maxDeltaPOCs    = 32
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte & 0x7E) >> 1
}

// IsHEVCKeyframe returns true if the NAL type represents an HEVC random access
// point (BLA, IDR, or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

func isHEVCSlice(nalType byte) bool {
	return nalType <= 9 || (nalType >= 16 && nalType <= 21)
}

// isHEVCAUDelimiter reports whether a non-VCL NAL of this type starts a new
// access unit when it follows a slice.
func isHEVCAUDelimiter(nalType byte) bool {
	return (nalType >= HEVCNALVPS && nalType <= HEVCNALAUD) ||
		nalType == HEVCNALSEIPrefix ||
		(nalType >= 41 && nalType <= 44) ||
		(nalType >= 48 && nalType <= 55)
}

// HEVCShortTermRPS is one short-term reference picture set. DeltaPOC holds
// NumNegativePics negative deltas (closest first) followed by the positive
// deltas in ascending order.
type HEVCShortTermRPS struct {
	NumNegativePics int
	NumDeltaPOCs    int
	DeltaPOC        [maxDeltaPOCs]int32
	Used            [maxDeltaPOCs]bool
}

// Deltas returns the populated part of DeltaPOC.
func (r *HEVCShortTermRPS) Deltas() []int32 {
	return r.DeltaPOC[:r.NumDeltaPOCs]
}

// HEVCSPS holds the fields of an HEVC sequence parameter set recovered by
// DecodeHEVCSPS.
type HEVCSPS struct {
	ID            uint32
	MaxSubLayers  int
	ProfileSpace  uint8
	TierFlag      uint8
	ProfileIDC    uint8
	LevelIDC      uint8
	Compatibility uint32
	Constraints   uint64 // 48-bit general constraint indicator flags

	ChromaFormatIDC uint32
	CodedWidth      uint32
	CodedHeight     uint32

	// Width and Height are the coded size minus the conformance window, or
	// minus the default display window when the VUI carries one.
	Width  int
	Height int

	BitDepthLuma   uint32
	BitDepthChroma uint32
	Log2MaxPOCLsb  uint32

	NumShortTermRPS int
	ShortTermRPS    [MaxShortTermRPS]HEVCShortTermRPS

	ColourDescription       bool
	ColourPrimaries         uint8
	TransferCharacteristics uint8
	MatrixCoefficients      uint8

	FrameRate Rational
	Valid     bool
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0") for use in MIME types and manifests.
func (s HEVCSPS) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}

	reversed := bits.Reverse32(s.Compatibility)

	var constraintBytes [6]byte
	for i := 0; i < 6; i++ {
		constraintBytes[i] = byte(s.Constraints >> uint((5-i)*8))
	}
	last := -1
	for i := 5; i >= 0; i-- {
		if constraintBytes[i] != 0 {
			last = i
			break
		}
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, reversed, tier, s.LevelIDC)
	for i := 0; i <= last; i++ {
		codec += fmt.Sprintf(".%X", constraintBytes[i])
	}
	return codec
}

// decodeProfileTierLevel reads the general profile fields of a
// profile_tier_level structure. When sps is nil the fields are consumed
// and discarded, as for sub-layer profiles. The general level is read by
// the caller.
func decodeProfileTierLevel(br *bitstream.Reader, sps *HEVCSPS) {
	space := uint8(br.ReadBits(2))
	tier := uint8(br.ReadBits(1))
	profile := uint8(br.ReadBits(5))
	compat := br.ReadBits(32)
	constraints := uint64(br.ReadBits(16))<<32 | uint64(br.ReadBits(32))

	if sps != nil {
		sps.ProfileSpace = space
		sps.TierFlag = tier
		sps.ProfileIDC = profile
		sps.Compatibility = compat
		sps.Constraints = constraints
	}
}

// decodeScalingListData consumes scaling_list_data(). Only the syntax is
// walked; coefficient values are not needed.
func decodeScalingListData(br *bitstream.Reader) {
	for sizeID := 0; sizeID < 4; sizeID++ {
		step := 1
		if sizeID == 3 {
			step = 3
		}
		for matrixID := 0; matrixID < 6; matrixID += step {
			if !br.ReadFlag() { // scaling_list_pred_mode_flag
				br.ReadUE() // scaling_list_pred_matrix_id_delta
				continue
			}
			coefNum := min(64, 1<<(4+(sizeID<<1)))
			if sizeID > 1 {
				br.ReadSE() // scaling_list_dc_coef_minus8
			}
			for i := 0; i < coefNum; i++ {
				br.ReadSE() // scaling_list_delta_coef
			}
		}
	}
}

// decodeShortTermRPS decodes st_ref_pic_set(idx) into sps.ShortTermRPS[idx].
// Sets after the first may be predicted from the one before them; a
// predicted set is sorted ascending by POC and then its negative part is
// reversed so that the closest reference comes first.
func decodeShortTermRPS(br *bitstream.Reader, sps *HEVCSPS, idx int) error {
	rps := &sps.ShortTermRPS[idx]
	*rps = HEVCShortTermRPS{}

	predict := false
	if idx != 0 && sps.NumShortTermRPS > 0 {
		predict = br.ReadFlag()
	}

	if predict {
		ref := &sps.ShortTermRPS[idx-1]
		sign := br.ReadFlag()
		abs := int64(br.ReadUE()) + 1
		deltaRPS := abs
		if sign {
			deltaRPS = -abs
		}

		k, k0 := 0, 0
		for i := 0; i <= ref.NumDeltaPOCs; i++ {
			used := br.ReadFlag()
			useDelta := used
			if !used {
				useDelta = br.ReadFlag()
			}
			if !useDelta {
				continue
			}
			if k >= maxDeltaPOCs {
				return fmt.Errorf("%w: short-term rps %d has too many entries", ErrInvalidSyntax, idx)
			}
			delta := deltaRPS
			if i < ref.NumDeltaPOCs {
				delta += int64(ref.DeltaPOC[i])
			}
			rps.DeltaPOC[k] = int32(delta)
			rps.Used[k] = used
			if delta < 0 {
				k0++
			}
			k++
		}
		rps.NumDeltaPOCs = k
		rps.NumNegativePics = k0

		// Stable insertion sort, ascending by delta.
		for i := 1; i < rps.NumDeltaPOCs; i++ {
			delta, used := rps.DeltaPOC[i], rps.Used[i]
			j := i - 1
			for ; j >= 0 && delta < rps.DeltaPOC[j]; j-- {
				rps.DeltaPOC[j+1] = rps.DeltaPOC[j]
				rps.Used[j+1] = rps.Used[j]
			}
			rps.DeltaPOC[j+1] = delta
			rps.Used[j+1] = used
		}

		// Reverse the negative prefix so it runs from -1 downwards.
		for i, j := 0, rps.NumNegativePics-1; i < j; i, j = i+1, j-1 {
			rps.DeltaPOC[i], rps.DeltaPOC[j] = rps.DeltaPOC[j], rps.DeltaPOC[i]
			rps.Used[i], rps.Used[j] = rps.Used[j], rps.Used[i]
		}
		return nil
	}

	negative := br.ReadUE()
	positive := br.ReadUE()
	if negative > maxDeltaPOCs/2 || positive > maxDeltaPOCs/2 {
		return fmt.Errorf("%w: short-term rps %d counts %d/%d", ErrInvalidSyntax, idx, negative, positive)
	}
	rps.NumNegativePics = int(negative)
	rps.NumDeltaPOCs = int(negative + positive)

	var prev int64
	for i := 0; i < int(negative); i++ {
		prev -= int64(br.ReadUE()) + 1
		rps.DeltaPOC[i] = int32(prev)
		rps.Used[i] = br.ReadFlag()
	}
	prev = 0
	for i := 0; i < int(positive); i++ {
		prev += int64(br.ReadUE()) + 1
		rps.DeltaPOC[int(negative)+i] = int32(prev)
		rps.Used[int(negative)+i] = br.ReadFlag()
	}
	return nil
}

// windowMultipliers returns the horizontal and vertical units of the
// conformance and display windows for a chroma format.
func windowMultipliers(chromaFormatIDC uint32) (horiz, vert uint32) {
	horiz, vert = 1, 1
	if chromaFormatIDC < 3 {
		horiz = 2
	}
	if chromaFormatIDC < 2 {
		vert = 2
	}
	return horiz, vert
}

// readWindow reads the four offsets of a conformance or display window
// and returns the coded size left inside it.
func readWindow(br *bitstream.Reader, sps *HEVCSPS, horiz, vert uint32) (int, int) {
	left := int64(br.ReadUE()) * int64(horiz)
	right := int64(br.ReadUE()) * int64(horiz)
	top := int64(br.ReadUE()) * int64(vert)
	bottom := int64(br.ReadUE()) * int64(vert)
	return int(int64(sps.CodedWidth) - left - right), int(int64(sps.CodedHeight) - top - bottom)
}

// DecodeHEVCSPS decodes an HEVC sequence parameter set. rbsp is the NAL
// unit with emulation prevention removed, starting at the 2-byte NAL
// header.
func DecodeHEVCSPS(rbsp []byte) (HEVCSPS, error) {
	if len(rbsp) < 3 {
		return HEVCSPS{}, ErrTruncated
	}
	br := bitstream.NewReader(rbsp[2:])

	var sps HEVCSPS
	br.ReadBits(4) // sps_video_parameter_set_id
	sps.MaxSubLayers = int(br.ReadBits(3)) + 1
	br.ReadFlag() // sps_temporal_id_nesting_flag

	decodeProfileTierLevel(br, &sps)
	sps.LevelIDC = uint8(br.ReadBits(8))

	var profilePresent, levelPresent [8]bool
	for i := 0; i < sps.MaxSubLayers-1; i++ {
		profilePresent[i] = br.ReadFlag()
		levelPresent[i] = br.ReadFlag()
	}
	if sps.MaxSubLayers > 1 {
		for i := sps.MaxSubLayers - 1; i < 8; i++ {
			br.ReadBits(2) // reserved_zero_2bits
		}
	}
	for i := 0; i < sps.MaxSubLayers-1; i++ {
		if profilePresent[i] {
			decodeProfileTierLevel(br, nil)
		}
		if levelPresent[i] {
			br.ReadBits(8) // sub_layer_level_idc
		}
	}

	sps.ID = br.ReadUE()
	if sps.ID >= MaxHEVCSPS {
		return HEVCSPS{}, fmt.Errorf("%w: sps id %d", ErrInvalidSyntax, sps.ID)
	}
	sps.ChromaFormatIDC = br.ReadUE()
	if sps.ChromaFormatIDC > 3 {
		return HEVCSPS{}, fmt.Errorf("%w: chroma_format_idc %d", ErrInvalidSyntax, sps.ChromaFormatIDC)
	}
	if sps.ChromaFormatIDC == 3 && br.ReadFlag() { // separate_colour_plane_flag
		sps.ChromaFormatIDC = 0
	}

	sps.CodedWidth = br.ReadUE()
	sps.CodedHeight = br.ReadUE()
	sps.Width, sps.Height = int(sps.CodedWidth), int(sps.CodedHeight)

	horiz, vert := windowMultipliers(sps.ChromaFormatIDC)
	if br.ReadFlag() { // conformance_window_flag
		sps.Width, sps.Height = readWindow(br, &sps, horiz, vert)
	}

	sps.BitDepthLuma = br.ReadUE() + 8
	sps.BitDepthChroma = br.ReadUE() + 8
	sps.Log2MaxPOCLsb = br.ReadUE() + 4
	if sps.Log2MaxPOCLsb > 16 {
		return HEVCSPS{}, fmt.Errorf("%w: log2_max_pic_order_cnt_lsb %d", ErrInvalidSyntax, sps.Log2MaxPOCLsb)
	}

	start := sps.MaxSubLayers - 1
	if br.ReadFlag() { // sps_sub_layer_ordering_info_present_flag
		start = 0
	}
	for i := start; i < sps.MaxSubLayers; i++ {
		br.ReadUE() // sps_max_dec_pic_buffering_minus1
		br.ReadUE() // sps_max_num_reorder_pics
		br.ReadUE() // sps_max_latency_increase_plus1
	}

	br.ReadUE() // log2_min_luma_coding_block_size_minus3
	br.ReadUE() // log2_diff_max_min_luma_coding_block_size
	br.ReadUE() // log2_min_luma_transform_block_size_minus2
	br.ReadUE() // log2_diff_max_min_luma_transform_block_size
	br.ReadUE() // max_transform_hierarchy_depth_inter
	br.ReadUE() // max_transform_hierarchy_depth_intra

	if br.ReadFlag() { // scaling_list_enabled_flag
		if br.ReadFlag() { // sps_scaling_list_data_present_flag
			decodeScalingListData(br)
		}
	}

	br.ReadFlag()      // amp_enabled_flag
	br.ReadFlag()      // sample_adaptive_offset_enabled_flag
	if br.ReadFlag() { // pcm_enabled_flag
		br.ReadBits(4) // pcm_sample_bit_depth_luma_minus1
		br.ReadBits(4) // pcm_sample_bit_depth_chroma_minus1
		br.ReadUE()    // log2_min_pcm_luma_coding_block_size_minus3
		br.ReadUE()    // log2_diff_max_min_pcm_luma_coding_block_size
		br.ReadFlag()  // pcm_loop_filter_disabled_flag
	}

	numRPS := br.ReadUE()
	if numRPS > MaxShortTermRPS {
		return HEVCSPS{}, fmt.Errorf("%w: %d short-term rps", ErrInvalidSyntax, numRPS)
	}
	sps.NumShortTermRPS = int(numRPS)
	for i := 0; i < sps.NumShortTermRPS; i++ {
		if err := decodeShortTermRPS(br, &sps, i); err != nil {
			return HEVCSPS{}, err
		}
		if br.AtEnd() {
			return HEVCSPS{}, fmt.Errorf("%w: hevc short-term rps %d", ErrTruncated, i)
		}
	}

	if br.ReadFlag() { // long_term_ref_pics_present_flag
		n := br.ReadUE()
		for i := uint32(0); i < n && !br.AtEnd(); i++ {
			br.ReadBits(int(sps.Log2MaxPOCLsb)) // lt_ref_pic_poc_lsb_sps
			br.ReadFlag()                       // used_by_curr_pic_lt_sps_flag
		}
	}

	br.ReadFlag() // sps_temporal_mvp_enabled_flag
	br.ReadFlag() // strong_intra_smoothing_enabled_flag

	var numUnitsInTick, timeScale uint32
	if br.ReadFlag() { // vui_parameters_present_flag
		if br.ReadFlag() { // aspect_ratio_info_present_flag
			if br.ReadBits(8) == 255 {
				br.ReadBits(16) // sar_width
				br.ReadBits(16) // sar_height
			}
		}
		if br.ReadFlag() { // overscan_info_present_flag
			br.ReadFlag()
		}
		if br.ReadFlag() { // video_signal_type_present_flag
			br.ReadBits(3) // video_format
			br.ReadFlag()  // video_full_range_flag
			if br.ReadFlag() {
				sps.ColourDescription = true
				sps.ColourPrimaries = uint8(br.ReadBits(8))
				sps.TransferCharacteristics = uint8(br.ReadBits(8))
				sps.MatrixCoefficients = uint8(br.ReadBits(8))
			}
		}
		if br.ReadFlag() { // chroma_loc_info_present_flag
			br.ReadUE()
			br.ReadUE()
		}
		br.ReadFlag() // neutral_chroma_indication_flag
		br.ReadFlag() // field_seq_flag
		br.ReadFlag() // frame_field_info_present_flag

		if br.ReadFlag() { // default_display_window_flag
			sps.Width, sps.Height = readWindow(br, &sps, horiz, vert)
		}

		if br.ReadFlag() { // vui_timing_info_present_flag
			numUnitsInTick = br.ReadBits(32)
			timeScale = br.ReadBits(32)
		}
	}

	if br.AtEnd() {
		return HEVCSPS{}, fmt.Errorf("%w: hevc sps", ErrTruncated)
	}

	if sps.Width <= 0 || sps.Height <= 0 {
		return HEVCSPS{}, fmt.Errorf("%w: picture size %dx%d", ErrInvalidSyntax, sps.Width, sps.Height)
	}

	sps.FrameRate = NewRational(uint64(timeScale), uint64(numUnitsInTick))
	sps.Valid = true
	return sps, nil
}

// HEVCParser holds the per-stream HEVC parsing context.
type HEVCParser struct {
	log     *slog.Logger
	sps     [MaxHEVCSPS]HEVCSPS
	lastSPS int
}

// NewHEVCParser creates a parser with an empty SPS table. If log is nil,
// slog.Default() is used.
func NewHEVCParser(log *slog.Logger) *HEVCParser {
	if log == nil {
		log = slog.Default()
	}
	return &HEVCParser{
		log:     log.With("component", "hevc-parser"),
		lastSPS: -1,
	}
}

// SPS returns the table entry for id.
func (p *HEVCParser) SPS(id int) (HEVCSPS, bool) {
	if id < 0 || id >= MaxHEVCSPS || !p.sps[id].Valid {
		return HEVCSPS{}, false
	}
	return p.sps[id], true
}

// ActiveSPS returns the most recently parsed SPS.
func (p *HEVCParser) ActiveSPS() (HEVCSPS, bool) {
	return p.SPS(p.lastSPS)
}

// Info summarizes the most recently parsed SPS.
func (p *HEVCParser) Info() (StreamInfo, bool) {
	sps, ok := p.ActiveSPS()
	if !ok {
		return StreamInfo{}, false
	}
	return StreamInfo{
		Codec:        CodecHEVC,
		CodecString:  sps.CodecString(),
		Width:        sps.Width,
		Height:       sps.Height,
		FrameRate:    sps.FrameRate,
		BitDepth:     int(sps.BitDepthLuma),
		ChromaFormat: int(sps.ChromaFormatIDC),
		Profile:      int(sps.ProfileIDC),
		Level:        int(sps.LevelIDC),
	}, true
}

// Reset is a no-op for HEVC; boundary detection keeps no state between
// calls.
func (p *HEVCParser) Reset() {}

// FindAccessUnitBoundary scans the scanner's buffer from offset 0 for the
// start of the second access unit and returns its start-code offset. SPS
// units met along the way are decoded into the table. When the stream ends
// first it returns the buffered length and io.EOF.
func (p *HEVCParser) FindAccessUnitBoundary(s *annexb.Scanner) (int, error) {
	from := 0
	hasSlice := false
	for {
		off, err := s.FindStartCode(from)
		if errors.Is(err, io.EOF) {
			return s.Len(), io.EOF
		}
		if err != nil {
			return 0, err
		}
		if err := s.Require(off + 6); err != nil {
			if errors.Is(err, io.EOF) {
				return s.Len(), io.EOF
			}
			return 0, err
		}

		nalType := HEVCNALType(s.Byte(off + 3))
		if nalType == HEVCNALSPS {
			if err := p.parseSPS(s, off); err != nil {
				return 0, err
			}
		}

		switch {
		case isHEVCAUDelimiter(nalType):
			if hasSlice {
				return off, nil
			}
		case isHEVCSlice(nalType):
			firstSliceInPic := s.Byte(off+5)>>7 == 1
			if hasSlice && firstSliceInPic {
				return off, nil
			}
			hasSlice = true
		}
		from = off + 1
	}
}

func (p *HEVCParser) parseSPS(s *annexb.Scanner, off int) error {
	unit, err := s.Unit(off)
	if err != nil {
		return err
	}
	sps, err := DecodeHEVCSPS(annexb.ToRBSP(unit))
	if err != nil {
		return err
	}
	if prev := p.sps[sps.ID]; !prev.Valid || prev.Width != sps.Width || prev.Height != sps.Height {
		p.log.Debug("sps updated", "id", sps.ID, "width", sps.Width, "height", sps.Height,
			"profile", sps.ProfileIDC, "level", sps.LevelIDC, "bit_depth", sps.BitDepthLuma,
			"framerate", sps.FrameRate.String())
	}
	p.sps[sps.ID] = sps
	p.lastSPS = int(sps.ID)
	return nil
}
