// Package settings loads and validates the client configuration.
package settings

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full client configuration, yaml-loaded.
type Settings struct {
	SIP      SIPSettings      `yaml:"sip"`
	IM       IMSettings       `yaml:"im"`
	FTHTTP   FTHTTPSettings   `yaml:"ft_http"`
	Storage  StorageSettings  `yaml:"storage"`
	Metrics  MetricsSettings  `yaml:"metrics"`
	LogLevel string           `yaml:"log_level"`
}

type SIPSettings struct {
	// PublicURI is the user's IMS public identity (sip:/tel: URI).
	PublicURI string `yaml:"public_uri"`
	// PrivateID and Password are the digest credentials.
	PrivateID string `yaml:"private_id"`
	Password  string `yaml:"password"`
	// ProxyAddr is the outbound P-CSCF host:port.
	ProxyAddr string `yaml:"proxy_addr"`
	// ListenAddr is the local host:port the UA binds.
	ListenAddr string `yaml:"listen_addr"`
	Transport  string `yaml:"transport"`
	// InstanceID is this device's +sip.instance urn.
	InstanceID string `yaml:"instance_id"`
	// RingingPeriod bounds how long an invitation waits for the user.
	RingingPeriod time.Duration `yaml:"ringing_period"`
	// TransportTimeout is added to the ringing period when waiting for
	// final responses.
	TransportTimeout time.Duration `yaml:"transport_timeout"`
	// SessionExpire enables RFC 4028 session timers when positive.
	SessionExpire time.Duration `yaml:"session_expire"`
}

type IMSettings struct {
	// StoreForwardURI identifies the network store-and-forward server in
	// P-Asserted-Identity.
	StoreForwardURI string `yaml:"store_forward_uri"`
	// MaxGroupParticipants caps group chat size.
	MaxGroupParticipants int `yaml:"max_group_participants"`
	// DisplayReports enables sending displayed IMDN reports in 1-1 chat.
	DisplayReports bool `yaml:"display_reports"`
}

type FTHTTPSettings struct {
	// ServerURL is the content server upload endpoint.
	ServerURL string `yaml:"server_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// DownloadDir is where incoming files land.
	DownloadDir string `yaml:"download_dir"`
	// MaxSize caps accepted transfers, 0 means unlimited.
	MaxSize int64 `yaml:"max_size"`
}

type StorageSettings struct {
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

type MetricsSettings struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddr serves /metrics when enabled.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the settings a fresh install starts from.
func Default() *Settings {
	return &Settings{
		SIP: SIPSettings{
			ListenAddr:       "0.0.0.0:5060",
			Transport:        "udp",
			RingingPeriod:    60 * time.Second,
			TransportTimeout: 30 * time.Second,
		},
		IM: IMSettings{
			MaxGroupParticipants: 100,
			DisplayReports:       true,
		},
		FTHTTP: FTHTTPSettings{
			DownloadDir: "downloads",
		},
		Storage: StorageSettings{
			Path: "rcs_client.db",
		},
		Metrics: MetricsSettings{
			ListenAddr: "127.0.0.1:9091",
		},
		LogLevel: "info",
	}
}

// Load reads the yaml file on top of the defaults and validates the
// result.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the fields the stack cannot run without.
func (s *Settings) Validate() error {
	if s.SIP.PublicURI == "" {
		return fmt.Errorf("settings: sip.public_uri is required")
	}
	if s.SIP.ProxyAddr == "" {
		return fmt.Errorf("settings: sip.proxy_addr is required")
	}
	switch s.SIP.Transport {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("settings: unsupported transport %q", s.SIP.Transport)
	}
	if s.SIP.SessionExpire != 0 && s.SIP.SessionExpire < 90*time.Second {
		return fmt.Errorf("settings: sip.session_expire below the 90s floor")
	}
	if s.IM.MaxGroupParticipants <= 1 {
		return fmt.Errorf("settings: im.max_group_participants must exceed 1")
	}
	if s.Storage.Path == "" {
		return fmt.Errorf("settings: storage.path is required")
	}
	return nil
}
