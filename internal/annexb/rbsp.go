package annexb

import "fmt"

// ConvertToRBSP copies buf[start:end] into a new slice with emulation
// prevention bytes removed.
func ConvertToRBSP(buf []byte, start, end int) ([]byte, error) {
	if start < 0 || end > len(buf) || start > end {
		return nil, fmt.Errorf("%w: range [%d,%d) of %d bytes", ErrAllocation, start, end, len(buf))
	}
	return ToRBSP(buf[start:end]), nil
}

// ToRBSP returns a copy of data with every 0x03 that follows two zero bytes
// and precedes a byte <= 0x03 (or the end of data) removed. Data without
// such a sequence is returned unchanged.
func ToRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// Escape inserts emulation prevention bytes so that rbsp can be carried in
// a NAL unit without forming a start code. It is the inverse of ToRBSP.
func Escape(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+1)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// AppendNAL appends a four-byte start code followed by nal to dst.
func AppendNAL(dst, nal []byte) []byte {
	dst = append(dst, 0, 0, 0, 1)
	return append(dst, nal...)
}
