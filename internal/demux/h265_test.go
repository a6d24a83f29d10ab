package demux

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/vtpipe/internal/annexb"
	"github.com/zsiec/vtpipe/internal/bitstream"
	"github.com/zsiec/vtpipe/internal/synth"
)

func TestHEVCNALType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		firstByte byte
		want      byte
	}{
		{"VPS (32)", 0x40, HEVCNALVPS},
		{"SPS (33)", 0x42, HEVCNALSPS},
		{"PPS (34)", 0x44, HEVCNALPPS},
		{"IDR_W_RADL (19)", 0x26, HEVCNALIDRWRadl},
		{"IDR_N_LP (20)", 0x28, HEVCNALIDRNlp},
		{"CRA (21)", 0x2A, HEVCNALCraNut},
		{"BLA_W_LP (16)", 0x20, HEVCNALBlaWLP},
		{"TRAIL_R (1)", 0x02, HEVCNALTrailR},
		{"TRAIL_N (0)", 0x00, HEVCNALTrailN},
		{"SEI_PREFIX (39)", 0x4E, HEVCNALSEIPrefix},
		{"AUD (35)", 0x46, HEVCNALAUD},
		{"layer id high bit ignored", 0x43, HEVCNALSPS},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HEVCNALType(tt.firstByte)
			if got != tt.want {
				t.Errorf("HEVCNALType(0x%02X) = %d, want %d", tt.firstByte, got, tt.want)
			}
		})
	}
}

func TestIsHEVCKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		nalType byte
		want    bool
	}{
		{"BLA_W_LP", HEVCNALBlaWLP, true},
		{"IDR_W_RADL", HEVCNALIDRWRadl, true},
		{"IDR_N_LP", HEVCNALIDRNlp, true},
		{"CRA", HEVCNALCraNut, true},
		{"BLA type 17", 17, true},
		{"BLA type 18", 18, true},
		{"TRAIL_N (0)", 0, false},
		{"TRAIL_R (1)", 1, false},
		{"TSA_N (2)", 2, false},
		{"VPS", HEVCNALVPS, false},
		{"SPS", HEVCNALSPS, false},
		{"PPS", HEVCNALPPS, false},
		{"SEI", HEVCNALSEIPrefix, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsHEVCKeyframe(tt.nalType)
			if got != tt.want {
				t.Errorf("IsHEVCKeyframe(%d) = %v, want %v", tt.nalType, got, tt.want)
			}
		})
	}
}

func TestDecodeHEVCSPS(t *testing.T) {
	t.Parallel()
	sps, err := DecodeHEVCSPS(synth.HEVCSPS(synth.Config{
		Width: 1918, Height: 1078, FrameRateNum: 60000, FrameRateDen: 1001,
	}))
	if err != nil {
		t.Fatalf("DecodeHEVCSPS: %v", err)
	}

	if sps.CodedWidth != 1920 || sps.CodedHeight != 1080 {
		t.Errorf("coded size: got %dx%d, want 1920x1080", sps.CodedWidth, sps.CodedHeight)
	}
	if sps.Width != 1918 || sps.Height != 1078 {
		t.Errorf("size: got %dx%d, want 1918x1078", sps.Width, sps.Height)
	}
	if sps.FrameRate != (Rational{60000, 1001}) {
		t.Errorf("FrameRate: got %v", sps.FrameRate)
	}
	if sps.ProfileIDC != 1 || sps.LevelIDC != 93 || sps.TierFlag != 0 {
		t.Errorf("PTL: profile %d level %d tier %d", sps.ProfileIDC, sps.LevelIDC, sps.TierFlag)
	}
	if sps.BitDepthLuma != 8 || sps.ChromaFormatIDC != 1 || sps.Log2MaxPOCLsb != 8 {
		t.Errorf("format: depth %d chroma %d poc bits %d", sps.BitDepthLuma, sps.ChromaFormatIDC, sps.Log2MaxPOCLsb)
	}
	if !sps.ColourDescription || sps.ColourPrimaries != 1 || sps.TransferCharacteristics != 1 || sps.MatrixCoefficients != 1 {
		t.Errorf("colour: %v %d/%d/%d", sps.ColourDescription,
			sps.ColourPrimaries, sps.TransferCharacteristics, sps.MatrixCoefficients)
	}
	if got := sps.CodecString(); got != "hev1.1.2.L93.90" {
		t.Errorf("CodecString() = %q", got)
	}

	if sps.NumShortTermRPS != 2 {
		t.Fatalf("NumShortTermRPS: got %d, want 2", sps.NumShortTermRPS)
	}
	explicit := sps.ShortTermRPS[0]
	if explicit.NumNegativePics != 2 || !equalDeltas(explicit.Deltas(), []int32{-1, -2}) {
		t.Errorf("rps 0: neg %d deltas %v", explicit.NumNegativePics, explicit.Deltas())
	}
	predicted := sps.ShortTermRPS[1]
	if predicted.NumNegativePics != 3 || !equalDeltas(predicted.Deltas(), []int32{-1, -2, -3}) {
		t.Errorf("rps 1: neg %d deltas %v", predicted.NumNegativePics, predicted.Deltas())
	}
}

func TestDecodeHEVCSPSVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cfg       synth.Config
		wantDepth uint32
		wantRate  Rational
	}{
		{"main10", synth.Config{Width: 1280, Height: 720, BitDepth: 10, FrameRateNum: 50, FrameRateDen: 1}, 10, Rational{50, 1}},
		{"scaling lists", synth.Config{Width: 1280, Height: 720, ScalingLists: true}, 8, Rational{}},
		{"sub-layers", synth.Config{Width: 1280, Height: 720, SubLayers: 3, FrameRateNum: 30, FrameRateDen: 1}, 8, Rational{30, 1}},
		{"all options", synth.Config{Width: 1280, Height: 720, SubLayers: 7, BitDepth: 12, ScalingLists: true, FrameRateNum: 24, FrameRateDen: 1}, 12, Rational{24, 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sps, err := DecodeHEVCSPS(synth.HEVCSPS(tt.cfg))
			if err != nil {
				t.Fatalf("DecodeHEVCSPS: %v", err)
			}
			if sps.Width != 1280 || sps.Height != 720 {
				t.Errorf("size: got %dx%d", sps.Width, sps.Height)
			}
			if sps.BitDepthLuma != tt.wantDepth || sps.BitDepthChroma != tt.wantDepth {
				t.Errorf("bit depth: got %d/%d, want %d", sps.BitDepthLuma, sps.BitDepthChroma, tt.wantDepth)
			}
			if sps.FrameRate != tt.wantRate {
				t.Errorf("FrameRate: got %v, want %v", sps.FrameRate, tt.wantRate)
			}
			if sps.MaxSubLayers != max(tt.cfg.SubLayers, 1) {
				t.Errorf("MaxSubLayers: got %d", sps.MaxSubLayers)
			}
			if sps.NumShortTermRPS != 2 || sps.ShortTermRPS[1].NumDeltaPOCs != 3 {
				t.Errorf("rps parse drifted: %d sets, second has %d deltas",
					sps.NumShortTermRPS, sps.ShortTermRPS[1].NumDeltaPOCs)
			}
		})
	}
}

func TestDecodeHEVCSPSTruncated(t *testing.T) {
	t.Parallel()
	full := synth.HEVCSPS(synth.Config{Width: 1280, Height: 720, FrameRateNum: 30, FrameRateDen: 1})
	for _, n := range []int{0, 2, 3, 10, 20, len(full) - 8} {
		if _, err := DecodeHEVCSPS(full[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("DecodeHEVCSPS(%d bytes): err = %v, want ErrTruncated", n, err)
		}
	}
}

// windowSPS builds a Main profile SPS with one sub-layer, no reference
// picture sets and the given conformance window offsets.
func windowSPS(codedW, codedH uint32, left, right, top, bottom uint32) []byte {
	w := bitstream.NewWriter(32)
	w.WriteBits(33<<1, 8) // nal_unit_type SPS
	w.WriteBits(1, 8)
	w.WriteBits(0, 4) // sps_video_parameter_set_id
	w.WriteBits(0, 3) // sps_max_sub_layers_minus1
	w.WriteFlag(true) // sps_temporal_id_nesting_flag
	w.WriteBits(1, 8) // profile space, tier, profile_idc 1
	w.WriteBits(0x60000000, 32)
	w.WriteBits(0, 16)
	w.WriteBits(0, 32)
	w.WriteBits(93, 8) // general_level_idc
	w.WriteUE(0)       // sps_seq_parameter_set_id
	w.WriteUE(1)       // chroma_format_idc
	w.WriteUE(codedW)
	w.WriteUE(codedH)
	w.WriteFlag(true) // conformance_window_flag
	w.WriteUE(left)
	w.WriteUE(right)
	w.WriteUE(top)
	w.WriteUE(bottom)
	w.WriteUE(0)      // bit_depth_luma_minus8
	w.WriteUE(0)      // bit_depth_chroma_minus8
	w.WriteUE(4)      // log2_max_pic_order_cnt_lsb_minus4
	w.WriteFlag(true) // sps_sub_layer_ordering_info_present_flag
	w.WriteUE(4)
	w.WriteUE(0)
	w.WriteUE(0)
	for i := 0; i < 6; i++ {
		w.WriteUE(1) // block sizes and transform depths
	}
	w.WriteFlag(false) // scaling_list_enabled_flag
	w.WriteFlag(false) // amp_enabled_flag
	w.WriteFlag(false) // sample_adaptive_offset_enabled_flag
	w.WriteFlag(false) // pcm_enabled_flag
	w.WriteUE(0)       // num_short_term_ref_pic_sets
	w.WriteFlag(false) // long_term_ref_pics_present_flag
	w.WriteFlag(false) // sps_temporal_mvp_enabled_flag
	w.WriteFlag(false) // strong_intra_smoothing_enabled_flag
	w.WriteFlag(false) // vui_parameters_present_flag
	w.WriteFlag(false) // sps_extension_present_flag
	w.WriteTrailingBits()
	return w.Bytes()
}

func TestDecodeHEVCSPSWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                     string
		left, right, top, bottom uint32
		wantW, wantH             int
		wantErr                  error
	}{
		{name: "cropped", right: 4, bottom: 4, wantW: 1912, wantH: 1072},
		{name: "cropped to zero width", left: 480, right: 480, wantErr: ErrInvalidSyntax},
		{name: "window past the picture", bottom: 1 << 30, wantErr: ErrInvalidSyntax},
		{name: "offsets that overflow 32 bits", left: 1 << 31, right: 1 << 31, wantErr: ErrInvalidSyntax},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sps, err := DecodeHEVCSPS(windowSPS(1920, 1080, tt.left, tt.right, tt.top, tt.bottom))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeHEVCSPS: %v", err)
			}
			if sps.Width != tt.wantW || sps.Height != tt.wantH {
				t.Errorf("size: got %dx%d, want %dx%d", sps.Width, sps.Height, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestHEVCSPSCodecString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sps  HEVCSPS
		want string
	}{
		{
			name: "main",
			sps:  HEVCSPS{ProfileIDC: 1, LevelIDC: 93, Compatibility: 0x40000000, Constraints: 0xB00000000000},
			want: "hev1.1.2.L93.B0",
		},
		{
			name: "main10 high tier",
			sps:  HEVCSPS{ProfileIDC: 2, TierFlag: 1, LevelIDC: 120, Compatibility: 0x20000000},
			want: "hev1.2.4.H120",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.sps.CodecString(); got != tt.want {
				t.Errorf("CodecString() = %q, want %q", got, tt.want)
			}
		})
	}
}

// rpsWithReference returns an SPS whose first short-term RPS is the given
// explicit set.
func rpsWithReference(negative, positive []int32) *HEVCSPS {
	sps := &HEVCSPS{NumShortTermRPS: 2}
	ref := &sps.ShortTermRPS[0]
	ref.NumNegativePics = len(negative)
	ref.NumDeltaPOCs = len(negative) + len(positive)
	copy(ref.DeltaPOC[:], negative)
	copy(ref.DeltaPOC[len(negative):], positive)
	for i := 0; i < ref.NumDeltaPOCs; i++ {
		ref.Used[i] = true
	}
	return sps
}

func TestDecodeShortTermRPSPredicted(t *testing.T) {
	t.Parallel()

	type entry struct {
		used, useDelta bool
	}
	tests := []struct {
		name      string
		negative  []int32
		positive  []int32
		sign      bool
		absMinus1 uint32
		entries   []entry
		wantDelta []int32
		wantUsed  []bool
		wantNeg   int
	}{
		{
			name:     "negative prefix reversed",
			negative: []int32{-1, -3}, positive: []int32{2},
			sign: true, absMinus1: 1, // delta_rps -2
			entries: []entry{{true, true}, {true, true}, {false, false}, {true, true}},
			// candidates -3, -5, (0 dropped), -2
			wantDelta: []int32{-2, -3, -5},
			wantUsed:  []bool{true, true, true},
			wantNeg:   3,
		},
		{
			name:     "delta of minus one",
			negative: []int32{-1, -3}, positive: []int32{2},
			sign: true, absMinus1: 0, // delta_rps -1
			entries: []entry{{true, true}, {true, true}, {true, true}, {true, true}},
			// candidates -2, -4, 1, -1
			wantDelta: []int32{-1, -2, -4, 1},
			wantUsed:  []bool{true, true, true, true},
			wantNeg:   3,
		},
		{
			name:     "mixed signs keep used flags",
			negative: []int32{-1, -3}, positive: []int32{2},
			sign: false, absMinus1: 0, // delta_rps +1
			entries: []entry{{false, false}, {true, true}, {false, true}, {true, true}},
			// candidates (0 dropped), -2, 3 (unused), 1
			wantDelta: []int32{-2, 1, 3},
			wantUsed:  []bool{true, true, false},
			wantNeg:   1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := bitstream.NewWriter(8)
			w.WriteFlag(true) // inter_ref_pic_set_prediction_flag
			w.WriteFlag(tt.sign)
			w.WriteUE(tt.absMinus1)
			for _, e := range tt.entries {
				w.WriteFlag(e.used)
				if !e.used {
					w.WriteFlag(e.useDelta)
				}
			}
			w.WriteTrailingBits()

			sps := rpsWithReference(tt.negative, tt.positive)
			br := bitstream.NewReader(w.Bytes())
			if err := decodeShortTermRPS(br, sps, 1); err != nil {
				t.Fatalf("decodeShortTermRPS: %v", err)
			}
			rps := sps.ShortTermRPS[1]
			if rps.NumNegativePics != tt.wantNeg {
				t.Errorf("NumNegativePics: got %d, want %d", rps.NumNegativePics, tt.wantNeg)
			}
			if !equalDeltas(rps.Deltas(), tt.wantDelta) {
				t.Errorf("deltas: got %v, want %v", rps.Deltas(), tt.wantDelta)
			}
			for i, want := range tt.wantUsed {
				if rps.Used[i] != want {
					t.Errorf("used[%d]: got %v, want %v", i, rps.Used[i], want)
				}
			}
		})
	}
}

func TestDecodeShortTermRPSExplicit(t *testing.T) {
	t.Parallel()
	w := bitstream.NewWriter(8)
	w.WriteUE(2) // num_negative_pics
	w.WriteUE(1) // num_positive_pics
	w.WriteUE(0) // -1
	w.WriteFlag(true)
	w.WriteUE(2) // -4
	w.WriteFlag(false)
	w.WriteUE(1) // +2
	w.WriteFlag(true)
	w.WriteTrailingBits()

	var sps HEVCSPS
	if err := decodeShortTermRPS(bitstream.NewReader(w.Bytes()), &sps, 0); err != nil {
		t.Fatal(err)
	}
	rps := sps.ShortTermRPS[0]
	if rps.NumDeltaPOCs != rps.NumNegativePics+1 {
		t.Errorf("NumDeltaPOCs %d != negatives %d + positives 1", rps.NumDeltaPOCs, rps.NumNegativePics)
	}
	if !equalDeltas(rps.Deltas(), []int32{-1, -4, 2}) {
		t.Errorf("deltas: %v", rps.Deltas())
	}
	if rps.Used[1] {
		t.Error("used[1] should be false")
	}
}

func TestDecodeShortTermRPSTooMany(t *testing.T) {
	t.Parallel()
	w := bitstream.NewWriter(8)
	w.WriteUE(maxDeltaPOCs) // num_negative_pics
	w.WriteUE(0)
	w.WriteTrailingBits()
	var sps HEVCSPS
	err := decodeShortTermRPS(bitstream.NewReader(w.Bytes()), &sps, 0)
	if !errors.Is(err, ErrInvalidSyntax) {
		t.Errorf("err = %v, want ErrInvalidSyntax", err)
	}
}

func equalDeltas(got, want []int32) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestHEVCAccessUnits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  synth.Config
	}{
		{"single slice", synth.Config{Width: 640, Height: 360, Frames: 6, GOP: 3}},
		{"multi slice", synth.Config{Width: 640, Height: 360, Frames: 4, GOP: 2, SlicesPerFrame: 3}},
		{"with AUD", synth.Config{Width: 640, Height: 360, Frames: 5, SlicesPerFrame: 2, AUD: true}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stream, err := synth.HEVC(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			p := NewHEVCParser(nil)
			aus := readAll(t, NewAccessUnitReader(bytes.NewReader(stream), p))
			if len(aus) != tt.cfg.Frames {
				t.Fatalf("access units: got %d, want %d", len(aus), tt.cfg.Frames)
			}
			if !bytes.Equal(bytes.Join(aus, nil), stream) {
				t.Error("access units do not reassemble the input")
			}
			info, ok := p.Info()
			if !ok || info.Width != 640 || info.Height != 360 || info.Codec != CodecHEVC {
				t.Errorf("Info() = %+v, %v", info, ok)
			}
		})
	}
}

func TestHEVCBoundaryAtEOF(t *testing.T) {
	t.Parallel()
	// A lone VPS and SPS with no slice never closes an access unit.
	stream := annexb.AppendNAL(nil, annexb.Escape(synth.HEVCVPS(synth.Config{})))
	stream = annexb.AppendNAL(stream, annexb.Escape(synth.HEVCSPS(synth.Config{Width: 1280, Height: 720})))

	p := NewHEVCParser(nil)
	end, err := p.FindAccessUnitBoundary(annexb.NewScanner(bytes.NewReader(stream)))
	if !errors.Is(err, io.EOF) || end != len(stream) {
		t.Fatalf("got (%d, %v), want (%d, io.EOF)", end, err, len(stream))
	}
	if sps, ok := p.ActiveSPS(); !ok || sps.Width != 1280 {
		t.Errorf("ActiveSPS() = %+v, %v", sps, ok)
	}
}
