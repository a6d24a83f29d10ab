package config

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/vtpipe/internal/demux"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(env(map[string]string{"INPUT": "in.h264"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Codec != demux.CodecH264 || cfg.OutputDir != "." || cfg.StreamKey != "default" {
		t.Errorf("defaults: %+v", cfg)
	}
	if len(cfg.Channels) != 1 || !cfg.Channels[0].Copy {
		t.Errorf("channels: %+v", cfg.Channels)
	}
	if cfg.StatsInterval != time.Second || cfg.Debug {
		t.Errorf("stats interval %v, debug %v", cfg.StatsInterval, cfg.Debug)
	}
}

func TestFromEnv(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(env(map[string]string{
		"INPUT":           "in.hevc",
		"CODEC":           "H265",
		"OUTPUT_DIR":      "/tmp/out",
		"STREAM_LOOP":     "3",
		"MAX_FRAMES":      "500",
		"CHANNELS":        "copy; 1280x720 ;640x360@half",
		"LOOKAHEAD_DEPTH": "20",
		"B_FRAMES":        "2",
		"NUM_CORES":       "4",
		"STATS_INTERVAL":  "250ms",
		"DEBUG":           "1",
		"API_ADDR":        ":4444",
		"TLS_CERT":        "cert.pem",
		"TLS_KEY":         "key.pem",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Codec != demux.CodecHEVC || cfg.Loops != 3 || cfg.MaxFrames != 500 {
		t.Errorf("cfg: %+v", cfg)
	}
	if cfg.LookaheadDepth != 20 || cfg.BFrames != 2 || cfg.NumCores != 4 {
		t.Errorf("encoder settings: %+v", cfg)
	}
	if cfg.StatsInterval != 250*time.Millisecond || !cfg.Debug {
		t.Errorf("stats interval %v, debug %v", cfg.StatsInterval, cfg.Debug)
	}
	if cfg.APIAddr != ":4444" || cfg.TLSCert != "cert.pem" || cfg.TLSKey != "key.pem" {
		t.Errorf("api settings: %+v", cfg)
	}
	want := []string{"copy", "1280x720", "640x360-half"}
	for i, ch := range cfg.Channels {
		if ch.Name() != want[i] {
			t.Errorf("channel %d: got %s, want %s", i, ch.Name(), want[i])
		}
	}
}

func TestFromEnvErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no source", map[string]string{}},
		{"two sources", map[string]string{"INPUT": "a", "SRT_ADDR": ":6000"}},
		{"bad codec", map[string]string{"INPUT": "a", "CODEC": "vp9"}},
		{"bad number", map[string]string{"INPUT": "a", "MAX_FRAMES": "many"}},
		{"negative loop", map[string]string{"INPUT": "a", "STREAM_LOOP": "-1"}},
		{"loop on stdin", map[string]string{"INPUT": "-", "STREAM_LOOP": "1"}},
		{"loop on srt", map[string]string{"SRT_ADDR": ":6000", "STREAM_LOOP": "1"}},
		{"lookahead too deep", map[string]string{"INPUT": "a", "LOOKAHEAD_DEPTH": "21"}},
		{"too many cores", map[string]string{"INPUT": "a", "NUM_CORES": "5"}},
		{"negative cores", map[string]string{"INPUT": "a", "NUM_CORES": "-1"}},
		{"too many b-frames", map[string]string{"INPUT": "a", "B_FRAMES": "9"}},
		{"bad interval", map[string]string{"INPUT": "a", "STATS_INTERVAL": "often"}},
		{"bad channels", map[string]string{"INPUT": "a", "CHANNELS": "720p"}},
		{"cert without key", map[string]string{"INPUT": "a", "TLS_CERT": "cert.pem"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := FromEnv(env(tt.env)); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseChannels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    []ChannelSpec
		wantErr bool
	}{
		{in: "copy", want: []ChannelSpec{{Copy: true}}},
		{in: "COPY;1920x1080@full", want: []ChannelSpec{{Copy: true}, {Width: 1920, Height: 1080}}},
		{in: "640X360@Half;", want: []ChannelSpec{{Width: 640, Height: 360, HalfRate: true}}},
		{in: "", wantErr: true},
		{in: " ; ", wantErr: true},
		{in: "1280", wantErr: true},
		{in: "axb", wantErr: true},
		{in: "1280x720@quarter", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseChannels(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChannels(%q) err = %v", tt.in, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("ParseChannels(%q) = %+v, want %+v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseChannels(%q)[%d] = %+v, want %+v", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestValidateChannels(t *testing.T) {
	t.Parallel()
	many := []ChannelSpec{{Copy: true}}
	for i := 1; i <= MaxScaledOutputs+1; i++ {
		many = append(many, ChannelSpec{Width: 2 * i, Height: 2 * i})
	}

	tests := []struct {
		name string
		chs  []ChannelSpec
		ok   bool
	}{
		{"copy only", []ChannelSpec{{Copy: true}}, true},
		{"scaled only", []ChannelSpec{{Width: 1280, Height: 720}}, true},
		{"full then half", []ChannelSpec{{Copy: true}, {Width: 1280, Height: 720}, {Width: 640, Height: 360, HalfRate: true}}, true},
		{"two copies", []ChannelSpec{{Copy: true}, {Copy: true}}, false},
		{"copy not first", []ChannelSpec{{Width: 1280, Height: 720}, {Copy: true}}, false},
		{"odd size", []ChannelSpec{{Width: 1279, Height: 720}}, false},
		{"half then full", []ChannelSpec{{Width: 640, Height: 360, HalfRate: true}, {Width: 1280, Height: 720}}, false},
		{"all half", []ChannelSpec{{Copy: true}, {Width: 640, Height: 360, HalfRate: true}}, false},
		{"duplicate", []ChannelSpec{{Width: 640, Height: 360}, {Width: 640, Height: 360}}, false},
		{"too many", many, false},
		{"max", many[:MaxScaledOutputs+1], true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateChannels(tt.chs)
			if (err == nil) != tt.ok {
				t.Errorf("validateChannels: err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
