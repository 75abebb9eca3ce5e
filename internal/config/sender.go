// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SenderConfig is the full configuration of the leoftp-sender binary.
type SenderConfig struct {
	Downlink    DownlinkConfig    `yaml:"downlink"`
	Input       InputConfig       `yaml:"input"`
	Storage     StorageConfig     `yaml:"storage"`
	Transport   TransportConfig   `yaml:"transport"`
	TLS         TLSConfig         `yaml:"tls"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InputConfig configures the input-folder poller (§12.2).
type InputConfig struct {
	WatchDir     string   `yaml:"watch_dir"`
	StagingDir   string   `yaml:"staging_dir"`
	PollInterval Duration `yaml:"poll_interval"`
}

// StorageConfig names where the sender keeps its managed-file workdir.
type StorageConfig struct {
	Workdir string `yaml:"workdir"`
}

// TransportConfig configures the outbound rate governor (§11.2) and the
// receiver address the sender dials out to (§11.1).
type TransportConfig struct {
	ReceiverAddress         string `yaml:"receiver_address"`
	OutboundRateBytesPerSec uint64 `yaml:"outbound_rate_bytes_per_sec"`
	OutboundChannelCapacity int    `yaml:"outbound_channel_capacity"`
}

// LoadSenderConfig reads and validates the sender's YAML config file.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}

	return &cfg, nil
}

func (c *SenderConfig) validate() error {
	if err := c.Downlink.validate(); err != nil {
		return err
	}
	if c.Input.WatchDir == "" {
		return fmt.Errorf("input.watch_dir is required")
	}
	if c.Input.StagingDir == "" {
		return fmt.Errorf("input.staging_dir is required")
	}
	if c.Input.PollInterval <= 0 {
		c.Input.PollInterval = Duration(100_000_000) // 100ms
	}
	if c.Storage.Workdir == "" {
		return fmt.Errorf("storage.workdir is required")
	}
	if c.Transport.ReceiverAddress == "" {
		return fmt.Errorf("transport.receiver_address is required")
	}
	if c.Transport.OutboundChannelCapacity <= 0 {
		c.Transport.OutboundChannelCapacity = 3
	}
	if err := c.TLS.validate("tls"); err != nil {
		return err
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is true")
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "leoftp/"
	}
	c.Logging.applyDefaults()
	return nil
}
