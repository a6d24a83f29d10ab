// Command srt-push publishes Annex B elementary streams to an SRT listener,
// paced at the stream's frame rate and looped until interrupted.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/vtpipe/internal/demux"
)

// maxPayload is the largest SRT message payload in live mode.
const maxPayload = 1316

type streamManifestEntry struct {
	Number int    `json:"number"`
	Key    string `json:"key"`
	Codec  string `json:"codec"`
	File   string `json:"file"`
}

type manifest struct {
	Streams []streamManifestEntry `json:"streams"`
}

func main() {
	allFlag := flag.Bool("all", false, "Push every stream in test/streams/manifest.json")
	fileFlag := flag.String("file", "", "Single Annex B file to push")
	keyFlag := flag.String("key", "", "Stream key (default: filename without extension)")
	codecFlag := flag.String("codec", "", "h264 or hevc (default: from the file extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	fpsFlag := flag.Float64("fps", 0, "Frame rate when the stream carries none")
	onceFlag := flag.Bool("once", false, "Push the file once instead of looping")
	flag.Parse()

	if *allFlag {
		pushAll(*addrFlag, *fpsFlag, *onceFlag)
		return
	}

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-push --all                            Push all generated test streams\n")
		fmt.Fprintf(os.Stderr, "  srt-push --file cam.hevc --key cam1       Push a single stream\n")
		os.Exit(1)
	}

	key := *keyFlag
	if key == "" {
		base := filepath.Base(filePath)
		key = strings.TrimSuffix(base, filepath.Ext(base))
	}
	codecName := *codecFlag
	if codecName == "" {
		codecName = strings.TrimPrefix(filepath.Ext(filePath), ".")
	}
	codec, err := demux.ParseCodec(codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v (use --codec)\n", err)
		os.Exit(1)
	}

	if err := pushSingle(filePath, streamID(key, codec), *addrFlag, codec, *fpsFlag, *onceFlag); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// streamID carries the codec as a suffix so the listener need not be
// configured for it.
func streamID(key string, codec demux.Codec) string {
	return "live/" + key + "." + codec.String()
}

func pushAll(addr string, fps float64, once bool) {
	streamsDir := filepath.Join("test", "streams")
	data, err := os.ReadFile(filepath.Join(streamsDir, "manifest.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read manifest: %v\nRun gen-streams first.\n", err)
		os.Exit(1)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid manifest: %v\n", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for _, s := range m.Streams {
		codec, err := demux.ParseCodec(s.Codec)
		if err != nil {
			fmt.Printf("  Skipping stream %d (%s): %v\n", s.Number, s.Key, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := streamID(s.Key, codec)
			fmt.Printf("  Stream %d: %s -> %s\n", s.Number, s.Key, id)
			if err := pushSingle(filepath.Join(streamsDir, s.File), id, addr, codec, fps, once); err != nil {
				fmt.Fprintf(os.Stderr, "[%s] %v\n", id, err)
			}
		}()
		time.Sleep(200 * time.Millisecond)
	}
	wg.Wait()
}

// splitAccessUnits reads the whole stream and returns its access units and
// frame rate.
func splitAccessUnits(data []byte, codec demux.Codec) ([][]byte, demux.Rational, error) {
	p, err := demux.NewParser(codec, nil)
	if err != nil {
		return nil, demux.Rational{}, err
	}
	r := demux.NewAccessUnitReader(bytes.NewReader(data), p)
	var aus [][]byte
	for {
		au, err := r.ReadAccessUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, demux.Rational{}, err
		}
		aus = append(aus, au)
	}
	info, ok := p.Info()
	if !ok {
		return nil, demux.Rational{}, demux.ErrNoParameterSets
	}
	return aus, info.FrameRate, nil
}

// frameInterval picks the pacing interval: the stream's own rate, then the
// override, then 30 fps.
func frameInterval(rate demux.Rational, override float64) time.Duration {
	fps := rate.Float()
	if override > 0 {
		fps = override
		if !rate.IsZero() {
			fps = rate.Float()
		}
	}
	if fps <= 0 {
		fps = 30
	}
	return time.Duration(float64(time.Second) / fps)
}

// chunks splits an access unit into SRT-sized messages.
func chunks(au []byte) [][]byte {
	var out [][]byte
	for len(au) > maxPayload {
		out = append(out, au[:maxPayload])
		au = au[maxPayload:]
	}
	if len(au) > 0 {
		out = append(out, au)
	}
	return out
}

func pushSingle(filePath, id, addr string, codec demux.Codec, fps float64, once bool) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	aus, rate, err := splitAccessUnits(data, codec)
	if err != nil {
		return fmt.Errorf("split %s: %w", filePath, err)
	}
	interval := frameInterval(rate, fps)
	fmt.Printf("File: %s (%d access units, %s per frame)\n", filePath, len(aus), interval)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", id, addr)
		cfg := srt.DefaultConfig()
		cfg.StreamID = id

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", id, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected\n", id)
		writeErr := streamLoop(conn, aus, interval, id, once)
		conn.Close()
		if writeErr == nil {
			return nil
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", id, writeErr)
		time.Sleep(time.Second)
	}
}

func streamLoop(conn io.Writer, aus [][]byte, interval time.Duration, id string, once bool) error {
	start := time.Now()
	var sent int64
	for loop := 1; ; loop++ {
		for _, au := range aus {
			for _, c := range chunks(au) {
				if _, err := conn.Write(c); err != nil {
					return err
				}
			}
			sent++
			// Pace against the global clock so that timing is continuous
			// across loop boundaries.
			if wait := time.Duration(sent)*interval - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
		if once {
			return nil
		}
		fmt.Printf("[%s] Loop %d complete (%d frames, %s)\n", id, loop, sent, time.Since(start).Truncate(time.Second))
	}
}
