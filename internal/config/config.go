// Package config loads probe settings from a YAML file, the environment and
// command-line overrides, in increasing precedence.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvUSBPort             = "PROBE_USB_PORT"
	EnvBaudRate            = "PROBE_BAUD_RATE"
	EnvServerURL           = "PROBE_SERVER_URL"
	EnvAPIKey              = "PROBE_API_KEY"
	EnvNodeID              = "PROBE_NODE_ID"
	EnvNodeFirmwareURL     = "PROBE_NODE_FIRMWARE_URL"
	EnvProbeFirmwareURL    = "PROBE_PROBE_FIRMWARE_URL"
	EnvDeployedDir         = "PROBE_DEPLOYED_DIR"
	EnvScratchDir          = "PROBE_SCRATCH_DIR"
	EnvLauncherPath        = "PROBE_LAUNCHER_PATH"
	EnvJournalPath         = "PROBE_JOURNAL_PATH"
	EnvBufferCapacity      = "PROBE_BUFFER_CAPACITY"
	EnvUploadInterval      = "PROBE_UPLOAD_INTERVAL"
	EnvUpdateCheckInterval = "PROBE_UPDATE_CHECK_INTERVAL"
	EnvCompressUploads     = "PROBE_COMPRESS_UPLOADS"
	EnvDownloadTimeout     = "PROBE_DOWNLOAD_TIMEOUT"
	EnvPrivilegePrefix     = "PROBE_PRIVILEGE_PREFIX"
	EnvLogLevel            = "PROBE_LOG_LEVEL"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "./config.yaml"

// Config is the full daemon configuration.
type Config struct {
	USBPort  string `yaml:"usb_port"`
	BaudRate int    `yaml:"baud_rate"`

	ServerURL      string        `yaml:"server_url"`
	APIKey         string        `yaml:"api_key"`
	NodeID         string        `yaml:"node_id"`
	UploadInterval time.Duration `yaml:"upload_interval"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	Compress       bool          `yaml:"compress_uploads"`
	BufferCapacity int           `yaml:"buffer_capacity"`

	NodeFirmwareURL     string        `yaml:"node_firmware_url"`
	ProbeFirmwareURL    string        `yaml:"probe_firmware_url"`
	DeployedDir         string        `yaml:"deployed_dir"`
	ScratchDir          string        `yaml:"scratch_dir"`
	LauncherPath        string        `yaml:"launcher_path"`
	MountPoint          string        `yaml:"mount_point"`
	VolumeLabel         string        `yaml:"volume_label"`
	BootloaderTimeout   time.Duration `yaml:"bootloader_timeout"`
	DownloadTimeout     time.Duration `yaml:"download_timeout"`
	UpdateCheckInterval time.Duration `yaml:"update_check_interval"`
	PrivilegePrefix     []string      `yaml:"privilege_prefix"`

	JournalPath string `yaml:"journal_path"`
	LogLevel    string `yaml:"log_level"`

	// Path is where the file was read from; the self-updater writes it
	// into the launcher.
	Path string `yaml:"-"`
}

// Overrides are command-line values; empty fields are ignored.
type Overrides struct {
	USBPort   string
	ServerURL string
	NodeID    string
}

// Default returns a configuration with every optional field filled.
func Default() Config {
	return Config{
		BaudRate:            115200,
		UploadInterval:      60 * time.Second,
		HTTPTimeout:         30 * time.Second,
		BufferCapacity:      10000,
		DeployedDir:         "./deployed",
		LauncherPath:        "./start.sh",
		MountPoint:          "/mnt/rp2",
		VolumeLabel:         "RPI-RP2",
		BootloaderTimeout:   30 * time.Second,
		DownloadTimeout:     30 * time.Minute,
		UpdateCheckInterval: time.Hour,
		PrivilegePrefix:     []string{"sudo"},
		LogLevel:            "info",
	}
}

// Load reads path (DefaultPath when empty), then applies the environment and
// overrides. A missing file is an error.
func Load(path string, ov Overrides) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config file %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "parse config file %s", path)
	}
	cfg.Path = path
	cfg.ApplyEnv()
	cfg.Apply(ov)
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays PROBE_* variables.
func (c *Config) ApplyEnv() {
	c.USBPort = String(EnvUSBPort, c.USBPort)
	c.BaudRate = Int(EnvBaudRate, c.BaudRate)
	c.ServerURL = String(EnvServerURL, c.ServerURL)
	c.APIKey = String(EnvAPIKey, c.APIKey)
	c.NodeID = String(EnvNodeID, c.NodeID)
	c.NodeFirmwareURL = String(EnvNodeFirmwareURL, c.NodeFirmwareURL)
	c.ProbeFirmwareURL = String(EnvProbeFirmwareURL, c.ProbeFirmwareURL)
	c.DeployedDir = String(EnvDeployedDir, c.DeployedDir)
	c.ScratchDir = String(EnvScratchDir, c.ScratchDir)
	c.LauncherPath = String(EnvLauncherPath, c.LauncherPath)
	c.JournalPath = String(EnvJournalPath, c.JournalPath)
	c.BufferCapacity = Int(EnvBufferCapacity, c.BufferCapacity)
	c.UploadInterval = Duration(EnvUploadInterval, c.UploadInterval)
	c.UpdateCheckInterval = Duration(EnvUpdateCheckInterval, c.UpdateCheckInterval)
	c.Compress = Bool(EnvCompressUploads, c.Compress)
	c.DownloadTimeout = Duration(EnvDownloadTimeout, c.DownloadTimeout)
	c.PrivilegePrefix = Strings(EnvPrivilegePrefix, c.PrivilegePrefix)
	c.LogLevel = String(EnvLogLevel, c.LogLevel)
}

// Apply overlays command-line overrides.
func (c *Config) Apply(ov Overrides) {
	if v := strings.TrimSpace(ov.USBPort); v != "" {
		c.USBPort = v
	}
	if v := strings.TrimSpace(ov.ServerURL); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(ov.NodeID); v != "" {
		c.NodeID = v
	}
}

// Validate checks the fields the daemon cannot run without. NodeID may be
// empty; the agent derives one from the host.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.USBPort) == "" {
		missing = append(missing, "usb_port")
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		missing = append(missing, "server_url")
	}
	if strings.TrimSpace(c.NodeFirmwareURL) == "" {
		missing = append(missing, "node_firmware_url")
	}
	if strings.TrimSpace(c.ProbeFirmwareURL) == "" {
		missing = append(missing, "probe_firmware_url")
	}
	if strings.TrimSpace(c.DeployedDir) == "" {
		missing = append(missing, "deployed_dir")
	}
	if len(missing) > 0 {
		return errors.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	for name, raw := range map[string]string{
		"server_url":         c.ServerURL,
		"node_firmware_url":  c.NodeFirmwareURL,
		"probe_firmware_url": c.ProbeFirmwareURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Errorf("config: %s must be an http(s) URL, got %q", name, raw)
		}
	}
	if c.BaudRate <= 0 {
		return errors.Errorf("config: baud_rate must be positive, got %d", c.BaudRate)
	}
	if c.UploadInterval <= 0 {
		return errors.Errorf("config: upload_interval must be positive, got %s", c.UploadInterval)
	}
	if c.BufferCapacity <= 0 {
		return errors.Errorf("config: buffer_capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.DownloadTimeout < 0 {
		return errors.Errorf("config: download_timeout must not be negative, got %s", c.DownloadTimeout)
	}
	if c.UpdateCheckInterval < 0 {
		return errors.Errorf("config: update_check_interval must not be negative, got %s", c.UpdateCheckInterval)
	}
	return nil
}
