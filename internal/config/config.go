// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/gbsim/internal/log"
)

// GlobalConfig represents the top-level global static configuration.
// Maps to the `gbsim:` root key in YAML.
type GlobalConfig struct {
	Server      ServerConfig     `mapstructure:"server"`
	Agent       AgentConfig      `mapstructure:"agent"`
	Media       MediaConfig      `mapstructure:"media"`
	Log         log.LoggerConfig `mapstructure:"log"`
	DevicesFile string           `mapstructure:"devices_file"`
}

// ─── SIP Platform ───

// ServerConfig identifies the GB28181 platform the devices register against.
type ServerConfig struct {
	IP        string `mapstructure:"ip"`
	Port      int    `mapstructure:"port"`
	ID        string `mapstructure:"id"`     // platform GB ID, e.g. 34020000002000000001
	Domain    string `mapstructure:"domain"` // SIP domain / digest realm, e.g. 3402000000
	Transport string `mapstructure:"transport"`
}

// ─── Device Agent Timing ───

// AgentConfig contains per-device engine settings. Device entries may override
// individual fields through their `overrides:` map (see devices.go).
type AgentConfig struct {
	LocalIP        string `mapstructure:"local_ip"`         // empty = auto-detect
	LocalPortStart int    `mapstructure:"local_port_start"` // first candidate for the bind search

	RegisterExpires      int           `mapstructure:"register_expires"`  // seconds
	RefreshAhead         int           `mapstructure:"refresh_ahead"`     // seconds before expiry to re-register
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval"`
	TransactionTimeout   time.Duration `mapstructure:"transaction_timeout"`
	MaxRegisterFailures  int           `mapstructure:"max_register_failures"`
	MaxKeepaliveFailures int           `mapstructure:"max_keepalive_failures"`
	FailureBackoff       time.Duration `mapstructure:"failure_backoff"` // pause before restarting a failed agent
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`     // INVITE answered, waiting for ACK

	UnregisterOnStop      bool `mapstructure:"unregister_on_stop"`
	AllowConcurrentInvite bool `mapstructure:"allow_concurrent_invite"`
}

// ─── Media Collaborator ───

// MediaConfig configures the external stream pusher and the RTP port lease range.
type MediaConfig struct {
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	VideoFile  string `mapstructure:"video_file"`
	RTPPortMin int    `mapstructure:"rtp_port_min"`
	RTPPortMax int    `mapstructure:"rtp_port_max"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `gbsim: ...`.
type configRoot struct {
	GBSim GlobalConfig `mapstructure:"gbsim"`
}

// Load loads configuration from file.
// The YAML file uses `gbsim:` as root key; env vars use the GBSIM_ prefix
// (e.g., GBSIM_SERVER_IP overrides gbsim.server.ip).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variable overrides.
	// No explicit env prefix — the `gbsim.` key prefix naturally maps to `GBSIM_`
	// in env vars via the key replacer (key "gbsim.server.ip" → env "GBSIM_SERVER_IP").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.GBSim

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "gbsim." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("gbsim.server.port", 5060)
	v.SetDefault("gbsim.server.transport", "udp")

	// Agent timing defaults
	v.SetDefault("gbsim.agent.local_port_start", 5070)
	v.SetDefault("gbsim.agent.register_expires", 3600)
	v.SetDefault("gbsim.agent.refresh_ahead", 60)
	v.SetDefault("gbsim.agent.keepalive_interval", "60s")
	v.SetDefault("gbsim.agent.transaction_timeout", "32s")
	v.SetDefault("gbsim.agent.max_register_failures", 3)
	v.SetDefault("gbsim.agent.max_keepalive_failures", 3)
	v.SetDefault("gbsim.agent.failure_backoff", "30s")
	v.SetDefault("gbsim.agent.ack_timeout", "10s")
	v.SetDefault("gbsim.agent.unregister_on_stop", true)
	v.SetDefault("gbsim.agent.allow_concurrent_invite", false)

	// Media defaults
	v.SetDefault("gbsim.media.ffmpeg_path", "ffmpeg")
	v.SetDefault("gbsim.media.rtp_port_min", 10000)
	v.SetDefault("gbsim.media.rtp_port_max", 10100)

	// Log defaults
	v.SetDefault("gbsim.log.level", "info")
	v.SetDefault("gbsim.log.pattern", "%time [%level] %msg %field\n")
	v.SetDefault("gbsim.log.time", "2006-01-02 15:04:05.000")

	// Device list defaults
	v.SetDefault("gbsim.devices_file", "devices.yml")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Server validation ──
	if cfg.Server.IP == "" {
		return fmt.Errorf("server.ip is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", cfg.Server.Port)
	}
	cfg.Server.Transport = strings.ToLower(cfg.Server.Transport)
	if cfg.Server.Transport != "udp" && cfg.Server.Transport != "tcp" {
		return fmt.Errorf("invalid server.transport: %s (must be udp/tcp)", cfg.Server.Transport)
	}
	if cfg.Server.ID == "" {
		return fmt.Errorf("server.id is required")
	}
	if cfg.Server.Domain == "" {
		// GB28181 realm is conventionally the first 10 digits of the platform ID.
		if len(cfg.Server.ID) >= 10 {
			cfg.Server.Domain = cfg.Server.ID[:10]
		} else {
			return fmt.Errorf("server.domain is required when server.id is not a GB ID")
		}
	}

	// ── Agent timing validation ──
	if cfg.Agent.RegisterExpires <= 0 {
		return fmt.Errorf("agent.register_expires must be positive")
	}
	if cfg.Agent.RefreshAhead <= 0 || cfg.Agent.RefreshAhead >= cfg.Agent.RegisterExpires {
		return fmt.Errorf("agent.refresh_ahead must be within (0, register_expires)")
	}
	if cfg.Agent.KeepaliveInterval <= 0 {
		return fmt.Errorf("agent.keepalive_interval must be positive")
	}
	if cfg.Agent.MaxRegisterFailures <= 0 {
		return fmt.Errorf("agent.max_register_failures must be positive")
	}

	// ── Local IP resolution ──
	if cfg.Agent.LocalIP == "" {
		ip, err := resolveLocalIP()
		if err != nil {
			return err
		}
		cfg.Agent.LocalIP = ip
	}

	// ── Media port range validation ──
	if cfg.Media.RTPPortMin <= 0 || cfg.Media.RTPPortMax > 65535 ||
		cfg.Media.RTPPortMin > cfg.Media.RTPPortMax {
		return fmt.Errorf("invalid media rtp port range [%d, %d]",
			cfg.Media.RTPPortMin, cfg.Media.RTPPortMax)
	}

	return nil
}

// resolveLocalIP picks the first non-loopback, non-link-local IPv4 address.
func resolveLocalIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve local IP: failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			// Skip link-local 169.254.x.x
			if ip4[0] == 169 && ip4[1] == 254 {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", fmt.Errorf("cannot resolve local IP: set GBSIM_AGENT_LOCAL_IP or gbsim.agent.local_ip")
}
