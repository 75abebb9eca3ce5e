// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig is the full configuration of the leoftp-receiver binary.
type ReceiverConfig struct {
	Listen      string            `yaml:"listen"`
	Storage     ReceiverStorage   `yaml:"storage"`
	TLS         TLSConfig         `yaml:"tls"`
	Archive     ArchiveConfig     `yaml:"archive"`
	AuditLog    AuditLogConfig    `yaml:"audit_log"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ReceiverStorage names the receiver's workdir and output folder (§3.7).
type ReceiverStorage struct {
	WorkdirFolder string `yaml:"workdir"`
	ResultFolder  string `yaml:"result_dir"`
}

// AuditLogConfig configures the JSONL session audit trail (§12.5).
type AuditLogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	MaxLines int    `yaml:"max_lines"`
}

// LoadReceiverConfig reads and validates the receiver's YAML config file.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}

	return &cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Storage.WorkdirFolder == "" {
		return fmt.Errorf("storage.workdir is required")
	}
	if c.Storage.ResultFolder == "" {
		return fmt.Errorf("storage.result_dir is required")
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
	if c.AuditLog.Enabled {
		if c.AuditLog.Path == "" {
			c.AuditLog.Path = "audit.jsonl"
		}
		if c.AuditLog.MaxLines <= 0 {
			c.AuditLog.MaxLines = 20000
		}
	}
	c.Logging.applyDefaults()
	return nil
}
