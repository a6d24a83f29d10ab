package synth

import (
	"github.com/zsiec/vtpipe/internal/bitstream"
)

// HEVC NAL types written by the generator.
const (
	hevcTrailR   = 1
	hevcIDRWRadl = 19
	hevcVPS      = 32
	hevcSPS      = 33
	hevcPPS      = 34
	hevcAUD      = 35
)

const hevcLog2MaxPOCLsb = 8

func hevcNALHeader(w *bitstream.Writer, nalType int) {
	w.WriteBits(uint32(nalType<<1), 8)
	w.WriteBits(0x01, 8) // layer 0, temporal id plus1 = 1
}

func hevcProfile(cfg Config) uint8 {
	if cfg.ProfileIDC != 0 {
		return cfg.ProfileIDC
	}
	if cfg.BitDepth > 8 {
		return 2 // Main 10
	}
	return 1 // Main
}

// writeHEVCProfileTierLevel writes profile_tier_level(1, maxSubLayers-1)
// with a Main-tier general profile and level-only sub-layer entries.
func writeHEVCProfileTierLevel(w *bitstream.Writer, cfg Config) {
	profile := hevcProfile(cfg)
	level := cfg.LevelIDC
	if level == 0 {
		level = 93
	}

	w.WriteBits(0, 2) // general_profile_space
	w.WriteBits(0, 1) // general_tier_flag
	w.WriteBits(uint32(profile), 5)
	w.WriteBits(1<<(31-uint32(profile)), 32) // general_profile_compatibility_flag[profile]
	w.WriteBits(0x9000, 16)                  // progressive_source, frame_only_constraint
	w.WriteBits(0, 32)
	w.WriteBits(uint32(level), 8)

	for i := 0; i < cfg.SubLayers-1; i++ {
		w.WriteFlag(false) // sub_layer_profile_present_flag
		w.WriteFlag(true)  // sub_layer_level_present_flag
	}
	if cfg.SubLayers > 1 {
		for i := cfg.SubLayers - 1; i < 8; i++ {
			w.WriteBits(0, 2)
		}
	}
	for i := 0; i < cfg.SubLayers-1; i++ {
		w.WriteBits(uint32(level), 8)
	}
}

// writeHEVCScalingListData signals matrix 0 of every size explicitly and
// predicts the rest from their reference matrices.
func writeHEVCScalingListData(w *bitstream.Writer) {
	for sizeID := 0; sizeID < 4; sizeID++ {
		step := 1
		if sizeID == 3 {
			step = 3
		}
		for matrixID := 0; matrixID < 6; matrixID += step {
			explicit := matrixID == 0
			w.WriteFlag(explicit) // scaling_list_pred_mode_flag
			if !explicit {
				w.WriteUE(0) // scaling_list_pred_matrix_id_delta
				continue
			}
			coefNum := min(64, 1<<(4+(sizeID<<1)))
			if sizeID > 1 {
				w.WriteSE(8) // scaling_list_dc_coef_minus8
			}
			for i := 0; i < coefNum; i++ {
				w.WriteSE(int64(i % 3)) // scaling_list_delta_coef
			}
		}
	}
}

// HEVCVPS returns the RBSP of a minimal video parameter set.
func HEVCVPS(cfg Config) []byte {
	cfg = cfg.withDefaults()
	w := bitstream.NewWriter(32)
	hevcNALHeader(w, hevcVPS)
	w.WriteBits(0, 4) // vps_video_parameter_set_id
	w.WriteFlag(true) // vps_base_layer_internal_flag
	w.WriteFlag(true) // vps_base_layer_available_flag
	w.WriteBits(0, 6) // vps_max_layers_minus1
	w.WriteBits(uint32(cfg.SubLayers-1), 3)
	w.WriteFlag(true)       // vps_temporal_id_nesting_flag
	w.WriteBits(0xFFFF, 16) // vps_reserved_0xffff_16bits
	writeHEVCProfileTierLevel(w, cfg)
	w.WriteFlag(false) // vps_sub_layer_ordering_info_present_flag
	w.WriteUE(4)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteBits(0, 6) // vps_max_layer_id
	w.WriteUE(0)      // vps_num_layer_sets_minus1
	w.WriteFlag(false)
	w.WriteFlag(false) // vps_extension_flag
	w.WriteTrailingBits()
	return w.Bytes()
}

// HEVCSPS returns the RBSP of a sequence parameter set for cfg. It carries
// two short-term reference picture sets: an explicit {-1, -2} and a set
// predicted from it with delta -1, which decodes to {-1, -2, -3}.
func HEVCSPS(cfg Config) []byte {
	cfg = cfg.withDefaults()
	w := bitstream.NewWriter(64)
	hevcNALHeader(w, hevcSPS)

	w.WriteBits(0, 4) // sps_video_parameter_set_id
	w.WriteBits(uint32(cfg.SubLayers-1), 3)
	w.WriteFlag(true) // sps_temporal_id_nesting_flag
	writeHEVCProfileTierLevel(w, cfg)

	w.WriteUE(0) // sps_seq_parameter_set_id
	w.WriteUE(1) // chroma_format_idc 4:2:0

	codedW := (cfg.Width + 7) &^ 7
	codedH := (cfg.Height + 7) &^ 7
	w.WriteUE(uint32(codedW))
	w.WriteUE(uint32(codedH))
	window := codedW != cfg.Width || codedH != cfg.Height
	w.WriteFlag(window) // conformance_window_flag
	if window {
		w.WriteUE(0)
		w.WriteUE(uint32((codedW - cfg.Width) / 2))
		w.WriteUE(0)
		w.WriteUE(uint32((codedH - cfg.Height) / 2))
	}

	w.WriteUE(uint32(cfg.BitDepth - 8))
	w.WriteUE(uint32(cfg.BitDepth - 8))
	w.WriteUE(hevcLog2MaxPOCLsb - 4)

	w.WriteFlag(true) // sps_sub_layer_ordering_info_present_flag
	for i := 0; i < cfg.SubLayers; i++ {
		w.WriteUE(4) // sps_max_dec_pic_buffering_minus1
		w.WriteUE(0) // sps_max_num_reorder_pics
		w.WriteUE(0) // sps_max_latency_increase_plus1
	}

	w.WriteUE(0) // log2_min_luma_coding_block_size_minus3
	w.WriteUE(3) // log2_diff_max_min_luma_coding_block_size
	w.WriteUE(0) // log2_min_luma_transform_block_size_minus2
	w.WriteUE(3) // log2_diff_max_min_luma_transform_block_size
	w.WriteUE(1) // max_transform_hierarchy_depth_inter
	w.WriteUE(1) // max_transform_hierarchy_depth_intra

	w.WriteFlag(cfg.ScalingLists) // scaling_list_enabled_flag
	if cfg.ScalingLists {
		w.WriteFlag(true) // sps_scaling_list_data_present_flag
		writeHEVCScalingListData(w)
	}

	w.WriteFlag(true)  // amp_enabled_flag
	w.WriteFlag(true)  // sample_adaptive_offset_enabled_flag
	w.WriteFlag(false) // pcm_enabled_flag

	w.WriteUE(2) // num_short_term_ref_pic_sets
	// st_ref_pic_set(0): two negative pictures at -1 and -2.
	w.WriteUE(2)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteFlag(true)
	w.WriteUE(0)
	w.WriteFlag(true)
	// st_ref_pic_set(1): predicted from set 0 with delta_rps -1.
	w.WriteFlag(true) // inter_ref_pic_set_prediction_flag
	w.WriteFlag(true) // delta_rps_sign
	w.WriteUE(0)      // abs_delta_rps_minus1
	for i := 0; i <= 2; i++ {
		w.WriteFlag(true) // used_by_curr_pic_flag
	}

	w.WriteFlag(false) // long_term_ref_pics_present_flag
	w.WriteFlag(true)  // sps_temporal_mvp_enabled_flag
	w.WriteFlag(true)  // strong_intra_smoothing_enabled_flag

	w.WriteFlag(true)  // vui_parameters_present_flag
	w.WriteFlag(false) // aspect_ratio_info_present_flag
	w.WriteFlag(false) // overscan_info_present_flag
	w.WriteFlag(true)  // video_signal_type_present_flag
	w.WriteBits(5, 3)  // video_format unspecified
	w.WriteFlag(false) // video_full_range_flag
	w.WriteFlag(true)  // colour_description_present_flag
	w.WriteBits(1, 8)  // BT.709 primaries
	w.WriteBits(1, 8)  // BT.709 transfer
	w.WriteBits(1, 8)  // BT.709 matrix
	w.WriteFlag(false) // chroma_loc_info_present_flag
	w.WriteFlag(false) // neutral_chroma_indication_flag
	w.WriteFlag(false) // field_seq_flag
	w.WriteFlag(false) // frame_field_info_present_flag
	w.WriteFlag(false) // default_display_window_flag

	timing := cfg.FrameRateNum != 0
	w.WriteFlag(timing) // vui_timing_info_present_flag
	if timing {
		w.WriteBits(cfg.FrameRateDen, 32)
		w.WriteBits(cfg.FrameRateNum, 32)
		w.WriteFlag(false) // vui_poc_proportional_to_timing_flag
		w.WriteFlag(false) // vui_hrd_parameters_present_flag
	}
	w.WriteFlag(false) // bitstream_restriction_flag

	w.WriteFlag(false) // sps_extension_present_flag
	w.WriteTrailingBits()
	return w.Bytes()
}

// HEVCPPS returns the RBSP of a minimal picture parameter set.
func HEVCPPS() []byte {
	w := bitstream.NewWriter(16)
	hevcNALHeader(w, hevcPPS)
	w.WriteUE(0)       // pps_pic_parameter_set_id
	w.WriteUE(0)       // pps_seq_parameter_set_id
	w.WriteFlag(false) // dependent_slice_segments_enabled_flag
	w.WriteFlag(false) // output_flag_present_flag
	w.WriteBits(0, 3)  // num_extra_slice_header_bits
	w.WriteFlag(false) // sign_data_hiding_enabled_flag
	w.WriteFlag(false) // cabac_init_present_flag
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteSE(0) // init_qp_minus26
	w.WriteFlag(false)
	w.WriteFlag(false)
	w.WriteFlag(false) // cu_qp_delta_enabled_flag
	w.WriteSE(0)
	w.WriteSE(0)
	w.WriteFlag(false)
	w.WriteFlag(false)
	w.WriteFlag(false)
	w.WriteFlag(false)
	w.WriteFlag(false) // tiles_enabled_flag
	w.WriteFlag(false) // entropy_coding_sync_enabled_flag
	w.WriteFlag(true)  // pps_loop_filter_across_slices_enabled_flag
	w.WriteFlag(false) // deblocking_filter_control_present_flag
	w.WriteFlag(false) // pps_scaling_list_data_present_flag
	w.WriteFlag(false) // lists_modification_present_flag
	w.WriteUE(0)       // log2_parallel_merge_level_minus2
	w.WriteFlag(false)
	w.WriteFlag(false) // pps_extension_present_flag
	w.WriteTrailingBits()
	return w.Bytes()
}

// hevcSlice writes one slice segment of frame seq. Only the first slice of
// a picture sets first_slice_segment_in_pic_flag.
func hevcSlice(cfg Config, seq, gopIndex, slice int) *bitstream.Writer {
	w := bitstream.NewWriter(cfg.PayloadSize + 16)
	isIDR := gopIndex == 0
	if isIDR {
		hevcNALHeader(w, hevcIDRWRadl)
	} else {
		hevcNALHeader(w, hevcTrailR)
	}

	w.WriteFlag(slice == 0) // first_slice_segment_in_pic_flag
	if isIDR {
		w.WriteFlag(false) // no_output_of_prior_pics_flag
	}
	w.WriteUE(0) // slice_pic_parameter_set_id
	if slice > 0 {
		w.WriteUE(uint32(slice)) // slice_segment_address, approximated
	}
	if isIDR {
		w.WriteUE(2) // slice_type I
	} else {
		w.WriteUE(1) // slice_type P
		w.WriteBits(uint32(gopIndex%(1<<hevcLog2MaxPOCLsb)), hevcLog2MaxPOCLsb)
		w.WriteFlag(true) // short_term_ref_pic_set_sps_flag
		w.WriteBits(0, 1) // short_term_ref_pic_set_idx
	}
	w.AlignZero()
	writeBytes(w, filler(seq, slice, cfg.PayloadSize))
	return w
}

// HEVC generates an HEVC stream: VPS, SPS and PPS before every IDR, then
// cfg.Frames pictures of cfg.SlicesPerFrame slice segments each.
func HEVC(cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	vps := HEVCVPS(cfg)
	sps := HEVCSPS(cfg)
	pps := HEVCPPS()

	var out []byte
	for seq := 0; seq < cfg.Frames; seq++ {
		gopIndex := seq % cfg.GOP
		if cfg.AUD {
			w := bitstream.NewWriter(4)
			hevcNALHeader(w, hevcAUD)
			w.WriteBits(1, 3) // pic_type: I, P
			out = finishNAL(out, w)
		}
		if gopIndex == 0 {
			out = appendRaw(out, vps)
			out = appendRaw(out, sps)
			out = appendRaw(out, pps)
		}
		for s := 0; s < cfg.SlicesPerFrame; s++ {
			out = finishNAL(out, hevcSlice(cfg, seq, gopIndex, s))
		}
	}
	return out, nil
}
