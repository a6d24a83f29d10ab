// Package demux parses H.264 and HEVC elementary streams in Annex B form.
// It decodes the parameter sets and slice-header fields needed to recover
// picture dimensions, frame rate, bit depth and chroma format, and it
// splits a stream into access units.
//
// The central types are [H264Parser] and [HEVCParser]. Each one holds the
// parameter-set tables and boundary-detection state for a single stream
// and is driven through an [annexb.Scanner]. [AccessUnitReader] wraps
// either parser to hand out one access unit at a time, and [Probe] reads
// just far enough to report [StreamInfo].
package demux
