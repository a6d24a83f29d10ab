package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/vtpipe/internal/annexb"
	"github.com/zsiec/vtpipe/internal/bitstream"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// Parameter-set table sizes.
const (
	MaxH264SPS = 32
	MaxH264PPS = 256
)

// NALType extracts the H.264 NAL unit type from the first header byte.
func NALType(firstByte byte) byte {
	return firstByte & 0x1F
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

func isH264Slice(nalType byte) bool {
	return nalType >= NALTypeSlice && nalType <= NALTypeIDR
}

// isH264AUDelimiter reports whether a non-VCL NAL of this type starts a new
// access unit when it follows a slice.
func isH264AUDelimiter(nalType byte) bool {
	switch nalType {
	case NALTypeSEI, NALTypeSPS, NALTypePPS, NALTypeAUD, 14, 15, 16, 17, 18:
		return true
	}
	return false
}

// SPS holds the fields of an H.264 sequence parameter set that the parser
// and the new-picture test depend on.
type SPS struct {
	ID              uint32
	ProfileIDC      uint8
	ConstraintFlags uint8
	LevelIDC        uint8
	ChromaFormatIDC uint32
	BitDepthLuma    uint32
	BitDepthChroma  uint32

	Log2MaxFrameNumMinus4       uint32
	PicOrderCntType             uint32
	Log2MaxPicOrderCntLsbMinus4 uint32
	DeltaPicOrderAlwaysZero     bool

	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	FrameMbsOnly              bool

	FrameCropping bool
	CropLeft      uint32
	CropRight     uint32
	CropTop       uint32
	CropBottom    uint32

	// Width and Height are the presentation size after cropping.
	Width  int
	Height int

	// FrameRate is zero when the VUI carries no timing information.
	FrameRate Rational

	Valid bool
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E")
// for use in MIME types and manifests.
func (s SPS) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// PPS holds the fields of an H.264 picture parameter set used by slice
// header decoding.
type PPS struct {
	ID              uint32
	SPSID           uint32
	PicOrderPresent bool
	Valid           bool
}

// SliceHeader holds the slice-header fields compared by the new-picture
// test.
type SliceHeader struct {
	NalRefIDC   uint8
	NalUnitType uint8
	PPSID       uint32
	FrameNum    uint32
	FieldPic    bool
	BottomField bool
	IDRPicID    uint32

	PicOrderCntLsb         uint32
	DeltaPicOrderCntBottom int64
	DeltaPicOrderCnt       [2]int64
}

// H264ParamSets is the id-indexed table of parameter sets seen so far.
// Entries are overwritten in place when a set with the same id is parsed
// again.
type H264ParamSets struct {
	SPS [MaxH264SPS]SPS
	PPS [MaxH264PPS]PPS
}

func isHighProfile(profileIDC uint8) bool {
	switch profileIDC {
	case 100, 110, 122, 144:
		return true
	}
	return false
}

func skipScalingList(br *bitstream.Reader, size int) {
	lastScale := int64(8)
	nextScale := int64(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta := br.ReadSE()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// DecodeSPS decodes an H.264 sequence parameter set. rbsp is the NAL unit
// with emulation prevention removed, starting at the NAL header byte.
func DecodeSPS(rbsp []byte) (SPS, error) {
	if len(rbsp) < 2 {
		return SPS{}, ErrTruncated
	}
	br := bitstream.NewReader(rbsp[1:])

	var sps SPS
	sps.ProfileIDC = uint8(br.ReadBits(8))
	sps.ConstraintFlags = uint8(br.ReadBits(8))
	sps.LevelIDC = uint8(br.ReadBits(8))
	sps.ID = br.ReadUE()
	if sps.ID >= MaxH264SPS {
		return SPS{}, fmt.Errorf("%w: sps id %d", ErrInvalidSyntax, sps.ID)
	}

	sps.ChromaFormatIDC = 1
	sps.BitDepthLuma = 8
	sps.BitDepthChroma = 8
	if isHighProfile(sps.ProfileIDC) {
		sps.ChromaFormatIDC = br.ReadUE()
		if sps.ChromaFormatIDC > 3 {
			return SPS{}, fmt.Errorf("%w: chroma_format_idc %d", ErrInvalidSyntax, sps.ChromaFormatIDC)
		}
		if sps.ChromaFormatIDC == 3 {
			br.ReadFlag() // residual_colour_transform_flag
		}
		sps.BitDepthLuma = br.ReadUE() + 8
		sps.BitDepthChroma = br.ReadUE() + 8
		br.ReadFlag() // qpprime_y_zero_transform_bypass_flag
		if br.ReadFlag() {
			for i := 0; i < 8; i++ {
				if !br.ReadFlag() {
					continue
				}
				if i < 6 {
					skipScalingList(br, 16)
				} else {
					skipScalingList(br, 64)
				}
			}
		}
	}

	sps.Log2MaxFrameNumMinus4 = br.ReadUE()
	if sps.Log2MaxFrameNumMinus4 > 12 {
		return SPS{}, fmt.Errorf("%w: log2_max_frame_num_minus4 %d", ErrInvalidSyntax, sps.Log2MaxFrameNumMinus4)
	}
	sps.PicOrderCntType = br.ReadUE()
	switch sps.PicOrderCntType {
	case 0:
		sps.Log2MaxPicOrderCntLsbMinus4 = br.ReadUE()
		if sps.Log2MaxPicOrderCntLsbMinus4 > 12 {
			return SPS{}, fmt.Errorf("%w: log2_max_pic_order_cnt_lsb_minus4 %d",
				ErrInvalidSyntax, sps.Log2MaxPicOrderCntLsbMinus4)
		}
	case 1:
		sps.DeltaPicOrderAlwaysZero = br.ReadFlag()
		br.ReadSE() // offset_for_non_ref_pic
		br.ReadSE() // offset_for_top_to_bottom_field
		cycle := br.ReadUE()
		if cycle > 255 {
			return SPS{}, fmt.Errorf("%w: num_ref_frames_in_pic_order_cnt_cycle %d", ErrInvalidSyntax, cycle)
		}
		for i := uint32(0); i < cycle; i++ {
			br.ReadSE()
		}
	}

	br.ReadUE()   // num_ref_frames
	br.ReadFlag() // gaps_in_frame_num_value_allowed_flag
	sps.PicWidthInMbsMinus1 = br.ReadUE()
	sps.PicHeightInMapUnitsMinus1 = br.ReadUE()
	sps.FrameMbsOnly = br.ReadFlag()
	if !sps.FrameMbsOnly {
		br.ReadFlag() // mb_adaptive_frame_field_flag
	}
	br.ReadFlag() // direct_8x8_inference_flag

	sps.FrameCropping = br.ReadFlag()
	if sps.FrameCropping {
		sps.CropLeft = br.ReadUE()
		sps.CropRight = br.ReadUE()
		sps.CropTop = br.ReadUE()
		sps.CropBottom = br.ReadUE()
	}

	var numUnitsInTick, timeScale uint32
	timing := false
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
				br.ReadBits(24) // colour_primaries, transfer, matrix
			}
		}
		if br.ReadFlag() { // chroma_loc_info_present_flag
			br.ReadUE()
			br.ReadUE()
		}
		timing = br.ReadFlag()
		if timing {
			numUnitsInTick = br.ReadBits(32)
			timeScale = br.ReadBits(32)
			br.ReadFlag() // fixed_frame_rate_flag
		}
	}

	if br.AtEnd() {
		return SPS{}, fmt.Errorf("%w: h264 sps", ErrTruncated)
	}

	sps.Width, sps.Height = h264PictureSize(&sps)
	if sps.Width <= 0 || sps.Height <= 0 {
		return SPS{}, fmt.Errorf("%w: picture size %dx%d", ErrInvalidSyntax, sps.Width, sps.Height)
	}
	if timing {
		sps.FrameRate = NewRational(uint64(timeScale), 2*uint64(numUnitsInTick))
	}
	sps.Valid = true
	return sps, nil
}

// h264PictureSize applies the frame-cropping rectangle to the macroblock
// grid. Crop units follow the chroma subsampling of the stream.
func h264PictureSize(sps *SPS) (int, int) {
	frameMbsOnly := 0
	if sps.FrameMbsOnly {
		frameMbsOnly = 1
	}
	width := (int(sps.PicWidthInMbsMinus1) + 1) * 16
	height := (2 - frameMbsOnly) * (int(sps.PicHeightInMapUnitsMinus1) + 1) * 16
	if !sps.FrameCropping {
		return width, height
	}

	var cropUnitX, cropUnitY int
	switch sps.ChromaFormatIDC {
	case 0:
		cropUnitX, cropUnitY = 1, 2-frameMbsOnly
	case 1:
		cropUnitX, cropUnitY = 2, 2*(2-frameMbsOnly)
	case 2:
		cropUnitX, cropUnitY = 2, 2-frameMbsOnly
	default:
		cropUnitX, cropUnitY = 1, 2-frameMbsOnly
	}
	width -= cropUnitX * (int(sps.CropLeft) + int(sps.CropRight))
	height -= cropUnitY * (int(sps.CropTop) + int(sps.CropBottom))
	return width, height
}

// DecodePPS decodes the leading fields of an H.264 picture parameter set.
// rbsp starts at the NAL header byte.
func DecodePPS(rbsp []byte) (PPS, error) {
	if len(rbsp) < 2 {
		return PPS{}, ErrTruncated
	}
	br := bitstream.NewReader(rbsp[1:])

	var pps PPS
	pps.ID = br.ReadUE()
	pps.SPSID = br.ReadUE()
	br.ReadFlag() // entropy_coding_mode_flag
	pps.PicOrderPresent = br.ReadFlag()

	if br.AtEnd() {
		return PPS{}, fmt.Errorf("%w: h264 pps", ErrTruncated)
	}
	if pps.ID >= MaxH264PPS {
		return PPS{}, fmt.Errorf("%w: pps id %d", ErrInvalidSyntax, pps.ID)
	}
	if pps.SPSID >= MaxH264SPS {
		return PPS{}, fmt.Errorf("%w: pps references sps id %d", ErrInvalidSyntax, pps.SPSID)
	}
	pps.Valid = true
	return pps, nil
}

// DecodeSliceHeader decodes the slice-header fields up to the picture order
// count. The referenced PPS and its SPS must already be valid in sets.
func DecodeSliceHeader(rbsp []byte, sets *H264ParamSets) (SliceHeader, error) {
	if len(rbsp) < 2 {
		return SliceHeader{}, ErrTruncated
	}
	br := bitstream.NewReader(rbsp)

	var sh SliceHeader
	br.ReadFlag() // forbidden_zero_bit
	sh.NalRefIDC = uint8(br.ReadBits(2))
	sh.NalUnitType = uint8(br.ReadBits(5))
	br.ReadUE() // first_mb_in_slice
	br.ReadUE() // slice_type
	sh.PPSID = br.ReadUE()
	if br.AtEnd() {
		return SliceHeader{}, fmt.Errorf("%w: h264 slice header", ErrTruncated)
	}

	if sh.PPSID >= MaxH264PPS || !sets.PPS[sh.PPSID].Valid {
		return SliceHeader{}, fmt.Errorf("%w: pps %d", ErrMissingParameterSet, sh.PPSID)
	}
	pps := &sets.PPS[sh.PPSID]
	sps := &sets.SPS[pps.SPSID]
	if !sps.Valid {
		return SliceHeader{}, fmt.Errorf("%w: sps %d", ErrMissingParameterSet, pps.SPSID)
	}

	sh.FrameNum = br.ReadBits(int(sps.Log2MaxFrameNumMinus4 + 4))
	if !sps.FrameMbsOnly {
		sh.FieldPic = br.ReadFlag()
		if sh.FieldPic {
			sh.BottomField = br.ReadFlag()
		}
	}
	if sh.NalUnitType == NALTypeIDR {
		sh.IDRPicID = br.ReadUE()
	}
	switch sps.PicOrderCntType {
	case 0:
		sh.PicOrderCntLsb = br.ReadBits(int(sps.Log2MaxPicOrderCntLsbMinus4 + 4))
		if pps.PicOrderPresent && !sh.FieldPic {
			sh.DeltaPicOrderCntBottom = br.ReadSE()
		}
	case 1:
		if !sps.DeltaPicOrderAlwaysZero {
			sh.DeltaPicOrderCnt[0] = br.ReadSE()
			if pps.PicOrderPresent && !sh.FieldPic {
				sh.DeltaPicOrderCnt[1] = br.ReadSE()
			}
		}
	}

	if br.AtEnd() {
		return SliceHeader{}, fmt.Errorf("%w: h264 slice header", ErrTruncated)
	}
	return sh, nil
}

// newPicture reports whether cur starts a different primary coded picture
// than prev (H.264 clause 7.4.1.2.4).
func newPicture(prev, cur *SliceHeader, sps *SPS) bool {
	switch {
	case prev.FrameNum != cur.FrameNum:
		return true
	case prev.PPSID != cur.PPSID:
		return true
	case prev.FieldPic != cur.FieldPic:
		return true
	case !sps.FrameMbsOnly && prev.FieldPic && cur.FieldPic && prev.BottomField != cur.BottomField:
		return true
	case prev.NalRefIDC != cur.NalRefIDC && (prev.NalRefIDC == 0 || cur.NalRefIDC == 0):
		return true
	case sps.PicOrderCntType == 0 &&
		(prev.PicOrderCntLsb != cur.PicOrderCntLsb || prev.DeltaPicOrderCntBottom != cur.DeltaPicOrderCntBottom):
		return true
	case sps.PicOrderCntType == 1 && prev.DeltaPicOrderCnt != cur.DeltaPicOrderCnt:
		return true
	case prev.NalUnitType != cur.NalUnitType && (prev.NalUnitType == NALTypeIDR || cur.NalUnitType == NALTypeIDR):
		return true
	case prev.NalUnitType == NALTypeIDR && cur.NalUnitType == NALTypeIDR && prev.IDRPicID != cur.IDRPicID:
		return true
	}
	return false
}

// H264Parser holds the per-stream parsing context: parameter-set tables,
// the most recently parsed SPS, and the last slice header seen.
type H264Parser struct {
	log     *slog.Logger
	sets    H264ParamSets
	last    SliceHeader
	lastSPS int
}

// NewH264Parser creates a parser with empty parameter-set tables. If log
// is nil, slog.Default() is used.
func NewH264Parser(log *slog.Logger) *H264Parser {
	if log == nil {
		log = slog.Default()
	}
	return &H264Parser{
		log:     log.With("component", "h264-parser"),
		lastSPS: -1,
	}
}

// ParamSets returns the parser's parameter-set tables.
func (p *H264Parser) ParamSets() *H264ParamSets {
	return &p.sets
}

// ActiveSPS returns the most recently parsed SPS.
func (p *H264Parser) ActiveSPS() (SPS, bool) {
	if p.lastSPS < 0 {
		return SPS{}, false
	}
	return p.sets.SPS[p.lastSPS], true
}

// Info summarizes the most recently parsed SPS.
func (p *H264Parser) Info() (StreamInfo, bool) {
	sps, ok := p.ActiveSPS()
	if !ok {
		return StreamInfo{}, false
	}
	return StreamInfo{
		Codec:        CodecH264,
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

// Reset forgets the last slice header so that the next scan starts a fresh
// access unit. Parameter sets are kept.
func (p *H264Parser) Reset() {
	p.last = SliceHeader{}
}

// FindAccessUnitBoundary scans the scanner's buffer from offset 0 for the
// start of the second access unit and returns its start-code offset.
// Parameter sets met along the way are decoded into the tables. When the
// stream ends first it returns the buffered length and io.EOF.
func (p *H264Parser) FindAccessUnitBoundary(s *annexb.Scanner) (int, error) {
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
		if err := s.Require(off + 4); err != nil {
			if errors.Is(err, io.EOF) {
				return s.Len(), io.EOF
			}
			return 0, err
		}

		nalType := NALType(s.Byte(off + 3))
		switch {
		case nalType == NALTypeSPS:
			if err := p.parseSPS(s, off); err != nil {
				return 0, err
			}
		case nalType == NALTypePPS:
			if err := p.parsePPS(s, off); err != nil {
				return 0, err
			}
		}

		if hasSlice && isH264AUDelimiter(nalType) {
			return off, nil
		}

		if isH264Slice(nalType) {
			sh, err := p.parseSlice(s, off)
			switch {
			case errors.Is(err, ErrMissingParameterSet):
				p.log.Debug("slice without parameter sets", "offset", off, "error", err)
				hasSlice = true
				from = off + 1
				continue
			case err != nil:
				return 0, err
			}

			if !hasSlice {
				hasSlice = true
				p.last = sh
				from = off + 1
				continue
			}

			sps := &p.sets.SPS[p.sets.PPS[sh.PPSID].SPSID]
			isNew := newPicture(&p.last, &sh, sps)
			p.last = sh
			if isNew {
				return off, nil
			}
		}
		from = off + 1
	}
}

func (p *H264Parser) unitRBSP(s *annexb.Scanner, off int) ([]byte, error) {
	unit, err := s.Unit(off)
	if err != nil {
		return nil, err
	}
	return annexb.ToRBSP(unit), nil
}

func (p *H264Parser) parseSPS(s *annexb.Scanner, off int) error {
	rbsp, err := p.unitRBSP(s, off)
	if err != nil {
		return err
	}
	sps, err := DecodeSPS(rbsp)
	if err != nil {
		return err
	}
	if prev := p.sets.SPS[sps.ID]; !prev.Valid || prev.Width != sps.Width || prev.Height != sps.Height {
		p.log.Debug("sps updated", "id", sps.ID, "width", sps.Width, "height", sps.Height,
			"profile", sps.ProfileIDC, "level", sps.LevelIDC, "framerate", sps.FrameRate.String())
	}
	p.sets.SPS[sps.ID] = sps
	p.lastSPS = int(sps.ID)
	return nil
}

func (p *H264Parser) parsePPS(s *annexb.Scanner, off int) error {
	rbsp, err := p.unitRBSP(s, off)
	if err != nil {
		return err
	}
	pps, err := DecodePPS(rbsp)
	if err != nil {
		return err
	}
	p.sets.PPS[pps.ID] = pps
	return nil
}

func (p *H264Parser) parseSlice(s *annexb.Scanner, off int) (SliceHeader, error) {
	rbsp, err := p.unitRBSP(s, off)
	if err != nil {
		return SliceHeader{}, err
	}
	return DecodeSliceHeader(rbsp, &p.sets)
}
