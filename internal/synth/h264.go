package synth

import (
	"github.com/zsiec/vtpipe/internal/annexb"
	"github.com/zsiec/vtpipe/internal/bitstream"
)

const (
	h264Log2MaxFrameNum = 4 // log2_max_frame_num_minus4 = 0
	h264Log2MaxPOCLsb   = 6 // log2_max_pic_order_cnt_lsb_minus4 = 2
)

func h264Profile(cfg Config) uint8 {
	if cfg.ProfileIDC != 0 {
		return cfg.ProfileIDC
	}
	if cfg.BitDepth > 8 || cfg.ScalingLists {
		return 100
	}
	return 66
}

func h264HighProfile(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 144:
		return true
	}
	return false
}

// H264SPS returns the RBSP of a sequence parameter set for cfg, starting
// at the NAL header byte and without emulation prevention.
func H264SPS(cfg Config) []byte {
	cfg = cfg.withDefaults()
	w := bitstream.NewWriter(32)

	profile := h264Profile(cfg)
	level := cfg.LevelIDC
	if level == 0 {
		level = 31
	}

	w.WriteBits(0x67, 8)
	w.WriteBits(uint32(profile), 8)
	w.WriteBits(0, 8) // constraint flags
	w.WriteBits(uint32(level), 8)
	w.WriteUE(0) // seq_parameter_set_id

	if h264HighProfile(profile) {
		w.WriteUE(1) // chroma_format_idc
		w.WriteUE(uint32(cfg.BitDepth - 8))
		w.WriteUE(uint32(cfg.BitDepth - 8))
		w.WriteFlag(false) // qpprime_y_zero_transform_bypass_flag
		w.WriteFlag(cfg.ScalingLists)
		if cfg.ScalingLists {
			for i := 0; i < 8; i++ {
				present := i == 0 || i == 6
				w.WriteFlag(present)
				if present {
					w.WriteSE(3)   // 8 -> 11
					w.WriteSE(-11) // 11 -> 0, stop
				}
			}
		}
	}

	mbW := (cfg.Width + 15) / 16
	mbH := (cfg.Height + 15) / 16

	w.WriteUE(h264Log2MaxFrameNum - 4)
	w.WriteUE(0) // pic_order_cnt_type
	w.WriteUE(h264Log2MaxPOCLsb - 4)
	w.WriteUE(1)       // num_ref_frames
	w.WriteFlag(false) // gaps_in_frame_num_value_allowed_flag
	w.WriteUE(uint32(mbW - 1))
	w.WriteUE(uint32(mbH - 1))
	w.WriteFlag(true) // frame_mbs_only_flag
	w.WriteFlag(true) // direct_8x8_inference_flag

	cropRight := (mbW*16 - cfg.Width) / 2
	cropBottom := (mbH*16 - cfg.Height) / 2
	cropping := cropRight != 0 || cropBottom != 0
	w.WriteFlag(cropping)
	if cropping {
		w.WriteUE(0)
		w.WriteUE(uint32(cropRight))
		w.WriteUE(0)
		w.WriteUE(uint32(cropBottom))
	}

	timing := cfg.FrameRateNum != 0
	w.WriteFlag(timing) // vui_parameters_present_flag
	if timing {
		w.WriteFlag(false) // aspect_ratio_info_present_flag
		w.WriteFlag(false) // overscan_info_present_flag
		w.WriteFlag(false) // video_signal_type_present_flag
		w.WriteFlag(false) // chroma_loc_info_present_flag
		w.WriteFlag(true)  // timing_info_present_flag
		w.WriteBits(cfg.FrameRateDen, 32)
		w.WriteBits(2*cfg.FrameRateNum, 32)
		w.WriteFlag(true) // fixed_frame_rate_flag
		w.WriteFlag(false)
		w.WriteFlag(false)
		w.WriteFlag(false)
		w.WriteFlag(false)
	}
	w.WriteTrailingBits()
	return w.Bytes()
}

// H264PPS returns the RBSP of a picture parameter set referencing SPS 0.
func H264PPS() []byte {
	w := bitstream.NewWriter(8)
	w.WriteBits(0x68, 8)
	w.WriteUE(0)       // pic_parameter_set_id
	w.WriteUE(0)       // seq_parameter_set_id
	w.WriteFlag(false) // entropy_coding_mode_flag
	w.WriteFlag(false) // bottom_field_pic_order_in_frame_present_flag
	w.WriteUE(0)       // num_slice_groups_minus1
	w.WriteUE(0)       // num_ref_idx_l0_default_active_minus1
	w.WriteUE(0)       // num_ref_idx_l1_default_active_minus1
	w.WriteFlag(false) // weighted_pred_flag
	w.WriteBits(0, 2)  // weighted_bipred_idc
	w.WriteSE(0)       // pic_init_qp_minus26
	w.WriteSE(0)       // pic_init_qs_minus26
	w.WriteSE(0)       // chroma_qp_index_offset
	w.WriteFlag(true)  // deblocking_filter_control_present_flag
	w.WriteFlag(false) // constrained_intra_pred_flag
	w.WriteFlag(false) // redundant_pic_cnt_present_flag
	w.WriteTrailingBits()
	return w.Bytes()
}

// h264Slice writes one slice NAL of frame seq. gopIndex is the frame's
// position within its GOP and idr counts the IDRs before it.
func h264Slice(cfg Config, seq, gopIndex, idr, slice int) *bitstream.Writer {
	w := bitstream.NewWriter(cfg.PayloadSize + 16)
	isIDR := gopIndex == 0
	if isIDR {
		w.WriteBits(0x65, 8) // nal_ref_idc 3, IDR
	} else {
		w.WriteBits(0x41, 8) // nal_ref_idc 2, non-IDR
	}

	mbs := ((cfg.Width + 15) / 16) * ((cfg.Height + 15) / 16)
	w.WriteUE(uint32(slice * mbs / cfg.SlicesPerFrame)) // first_mb_in_slice
	if isIDR {
		w.WriteUE(7) // I, all slices
	} else {
		w.WriteUE(5) // P, all slices
	}
	w.WriteUE(0) // pic_parameter_set_id
	w.WriteBits(uint32(gopIndex%(1<<h264Log2MaxFrameNum)), h264Log2MaxFrameNum)
	if isIDR {
		w.WriteUE(uint32(idr % 2)) // idr_pic_id
	}
	w.WriteBits(uint32((2*gopIndex)%(1<<h264Log2MaxPOCLsb)), h264Log2MaxPOCLsb)
	w.AlignZero()
	writeBytes(w, filler(seq, slice, cfg.PayloadSize))
	return w
}

// H264 generates an H.264 stream: SPS and PPS before every IDR, then
// cfg.Frames pictures of cfg.SlicesPerFrame slices each.
func H264(cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sps := H264SPS(cfg)
	pps := H264PPS()

	var out []byte
	idr := -1
	for seq := 0; seq < cfg.Frames; seq++ {
		gopIndex := seq % cfg.GOP
		if cfg.AUD {
			// primary_pic_type 0 (I) or 1 (I, P), then the stop bit.
			aud := byte(0x10)
			if gopIndex != 0 {
				aud = 0x30
			}
			out = appendRaw(out, []byte{0x09, aud})
		}
		if gopIndex == 0 {
			idr++
			out = appendRaw(out, sps)
			out = appendRaw(out, pps)
		}
		for s := 0; s < cfg.SlicesPerFrame; s++ {
			out = finishNAL(out, h264Slice(cfg, seq, gopIndex, idr, s))
		}
	}
	return out, nil
}

// appendRaw escapes a complete RBSP and appends it as a NAL unit.
func appendRaw(dst, rbsp []byte) []byte {
	return annexb.AppendNAL(dst, annexb.Escape(rbsp))
}
