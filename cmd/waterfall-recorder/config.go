package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config mirrors spec.md §6's recognized config keys, loaded from a
// YAML file (grounded on the teacher's config.go nested-struct-with-
// yaml-tags style) and then overridden by WATERFALL_-prefixed
// environment variables, matching spec.md §6's "any config provider:
// file or env".
type Config struct {
	FFTBins      int     `yaml:"fft_bins"`
	FFTOverlap   int     `yaml:"fft_overlap"`
	LocationName string  `yaml:"location_name"`
	SnapshotLen  float32 `yaml:"waterfall_snapshot_length"`
	LeftFreq     float32 `yaml:"waterfall_left_freq"`
	RightFreq    float32 `yaml:"waterfall_right_freq"`
	JackLeftPort string  `yaml:"jack_left_port"`
	JackRightPort string `yaml:"jack_right_port"`

	OutputDir string `yaml:"output_dir"`

	// DebugRowDumpDir, if set, enables fitsout's zstd-compressed raw
	// magnitude-row sidecar dump whenever a tile's dirty flag fires.
	DebugRowDumpDir string `yaml:"debug_row_dump_dir"`

	MetricsAddr string `yaml:"metrics_addr"`
	MCPAddr     string `yaml:"mcp_addr"`

	MQTTBrokerURL   string `yaml:"mqtt_broker_url"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`

	IQGain       float64 `yaml:"iq_gain"`
	IQPhaseShift int     `yaml:"iq_phase_shift"`

	RTPGroupAddr string `yaml:"rtp_group_addr"`
	RTPIface     string `yaml:"rtp_iface"`
}

func defaultConfig() Config {
	return Config{
		FFTBins:         32768,
		FFTOverlap:      24576,
		LocationName:    "unknown",
		SnapshotLen:     1,
		LeftFreq:        0,
		RightFreq:       0,
		JackLeftPort:    "system:capture_1",
		JackRightPort:   "system:capture_2",
		OutputDir:       ".",
		MetricsAddr:     ":9090",
		MCPAddr:         ":8765",
		MQTTTopicPrefix: "waterfall",
	}
}

// loadConfig reads path (if non-empty) as YAML over the defaults, then
// applies WATERFALL_-prefixed environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("WATERFALL_FFT_BINS"); ok {
		cfg.FFTBins = v
	}
	if v, ok := envInt("WATERFALL_FFT_OVERLAP"); ok {
		cfg.FFTOverlap = v
	}
	if v, ok := os.LookupEnv("WATERFALL_LOCATION_NAME"); ok {
		cfg.LocationName = v
	}
	if v, ok := envFloat32("WATERFALL_SNAPSHOT_LENGTH"); ok {
		cfg.SnapshotLen = v
	}
	if v, ok := envFloat32("WATERFALL_LEFT_FREQ"); ok {
		cfg.LeftFreq = v
	}
	if v, ok := envFloat32("WATERFALL_RIGHT_FREQ"); ok {
		cfg.RightFreq = v
	}
	if v, ok := os.LookupEnv("WATERFALL_JACK_LEFT_PORT"); ok {
		cfg.JackLeftPort = v
	}
	if v, ok := os.LookupEnv("WATERFALL_JACK_RIGHT_PORT"); ok {
		cfg.JackRightPort = v
	}
	if v, ok := os.LookupEnv("WATERFALL_OUTPUT_DIR"); ok {
		cfg.OutputDir = v
	}
	if v, ok := os.LookupEnv("WATERFALL_DEBUG_ROW_DUMP_DIR"); ok {
		cfg.DebugRowDumpDir = v
	}
	if v, ok := os.LookupEnv("WATERFALL_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("WATERFALL_MCP_ADDR"); ok {
		cfg.MCPAddr = v
	}
	if v, ok := os.LookupEnv("WATERFALL_MQTT_BROKER_URL"); ok {
		cfg.MQTTBrokerURL = v
	}
	if v, ok := os.LookupEnv("WATERFALL_MQTT_TOPIC_PREFIX"); ok {
		cfg.MQTTTopicPrefix = v
	}
	if v, ok := os.LookupEnv("WATERFALL_RTP_GROUP_ADDR"); ok {
		cfg.RTPGroupAddr = v
	}
	if v, ok := os.LookupEnv("WATERFALL_RTP_IFACE"); ok {
		cfg.RTPIface = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat32(key string) (float32, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, false
	}
	return float32(f), true
}
