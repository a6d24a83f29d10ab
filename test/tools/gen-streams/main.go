// Command gen-streams writes a set of synthetic H.264 and HEVC Annex B test
// streams plus a manifest.json describing them.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zsiec/vtpipe/internal/synth"
)

type StreamConfig struct {
	Number       int    `json:"number"`
	Key          string `json:"key"`
	Codec        string `json:"codec"`
	Description  string `json:"description"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FrameRateNum uint32 `json:"frameRateNum"`
	FrameRateDen uint32 `json:"frameRateDen"`
	Frames       int    `json:"frames"`
	GOP          int    `json:"gop"`
	BitDepth     int    `json:"bitDepth,omitempty"`
	Slices       int    `json:"slices,omitempty"`
	AUD          bool   `json:"aud,omitempty"`
	ScalingLists bool   `json:"scalingLists,omitempty"`
	File         string `json:"file"`
}

type Manifest struct {
	Generated string         `json:"generated"`
	Streams   []StreamConfig `json:"streams"`
}

var streams = []StreamConfig{
	{Number: 1, Key: "avc_720p30", Codec: "h264", Width: 1280, Height: 720, FrameRateNum: 30, FrameRateDen: 1, Frames: 300, GOP: 30},
	{Number: 2, Key: "avc_1080p_ntsc", Codec: "h264", Width: 1920, Height: 1080, FrameRateNum: 30000, FrameRateDen: 1001, Frames: 300, GOP: 60, AUD: true},
	{Number: 3, Key: "avc_480p_high10", Codec: "h264", Width: 854, Height: 480, FrameRateNum: 25, FrameRateDen: 1, Frames: 250, GOP: 25, BitDepth: 10, ScalingLists: true},
	{Number: 4, Key: "avc_multislice", Codec: "h264", Width: 1280, Height: 720, FrameRateNum: 60, FrameRateDen: 1, Frames: 240, GOP: 60, Slices: 4},
	{Number: 5, Key: "hevc_720p30", Codec: "hevc", Width: 1280, Height: 720, FrameRateNum: 30, FrameRateDen: 1, Frames: 300, GOP: 30},
	{Number: 6, Key: "hevc_2160p_main10", Codec: "hevc", Width: 3840, Height: 2160, FrameRateNum: 50, FrameRateDen: 1, Frames: 100, GOP: 50, BitDepth: 10, AUD: true},
	{Number: 7, Key: "hevc_multislice", Codec: "hevc", Width: 1920, Height: 1080, FrameRateNum: 60000, FrameRateDen: 1001, Frames: 240, GOP: 48, Slices: 3, ScalingLists: true},
	{Number: 8, Key: "hevc_no_timing", Codec: "hevc", Width: 640, Height: 360, Frames: 60, GOP: 30},
}

func main() {
	outFlag := flag.String("out", "", "Output directory (default: <project>/test/streams)")
	forceFlag := flag.Bool("force", false, "Regenerate streams that already exist")
	flag.Parse()

	streamsDir := *outFlag
	if streamsDir == "" {
		streamsDir = filepath.Join(findProjectRoot(), "test", "streams")
	}
	if err := os.MkdirAll(streamsDir, 0o755); err != nil {
		fatal("create %s: %v", streamsDir, err)
	}

	for i := range streams {
		sc := &streams[i]
		sc.File = fmt.Sprintf("stream_%d.%s", sc.Number, sc.Codec)
		sc.Description = describe(*sc)

		outFile := filepath.Join(streamsDir, sc.File)
		fmt.Printf("--- Stream %d: %s ---\n", sc.Number, sc.Description)
		if fileExists(outFile) && !*forceFlag {
			fmt.Printf("  Already exists, skipping\n")
			continue
		}

		data, err := synth.Stream(sc.Codec, synthConfig(*sc))
		if err != nil {
			fatal("generate stream %d: %v", sc.Number, err)
		}
		if err := os.WriteFile(outFile, data, 0o644); err != nil {
			fatal("write stream %d: %v", sc.Number, err)
		}
		fmt.Printf("  Output: %s (%.1f KB)\n", outFile, float64(len(data))/1024)
	}

	manifestFile := filepath.Join(streamsDir, "manifest.json")
	if err := writeManifest(manifestFile); err != nil {
		fatal("write manifest: %v", err)
	}
	fmt.Printf("\n=== Done! %d streams generated in %s ===\n", len(streams), streamsDir)
}

func synthConfig(sc StreamConfig) synth.Config {
	return synth.Config{
		Width:          sc.Width,
		Height:         sc.Height,
		FrameRateNum:   sc.FrameRateNum,
		FrameRateDen:   sc.FrameRateDen,
		Frames:         sc.Frames,
		GOP:            sc.GOP,
		SlicesPerFrame: sc.Slices,
		AUD:            sc.AUD,
		BitDepth:       sc.BitDepth,
		ScalingLists:   sc.ScalingLists,
	}
}

func describe(sc StreamConfig) string {
	rate := "no timing"
	if sc.FrameRateNum != 0 {
		rate = fmt.Sprintf("%.2f fps", float64(sc.FrameRateNum)/float64(sc.FrameRateDen))
	}
	desc := fmt.Sprintf("%s %dx%d, %s, %d frames, GOP %d", sc.Codec, sc.Width, sc.Height, rate, sc.Frames, sc.GOP)
	if sc.BitDepth > 8 {
		desc += fmt.Sprintf(", %d-bit", sc.BitDepth)
	}
	if sc.Slices > 1 {
		desc += fmt.Sprintf(", %d slices", sc.Slices)
	}
	return desc
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}
	for {
		if fileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}

func writeManifest(path string) error {
	m := Manifest{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Streams:   streams,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Manifest written to %s\n", path)
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
