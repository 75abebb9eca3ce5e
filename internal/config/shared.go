// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for the
// leoftp-sender and leoftp-receiver binaries.
package config

import "fmt"

// DownlinkConfig configures the sender-side storage manager and session
// scheduler.
type DownlinkConfig struct {
	NewFileChunkSize        uint32  `yaml:"new_file_chunk_size"`
	MaxFolderSize           *uint64 `yaml:"max_folder_size"`
	SplitFileIfNChunksSaved *uint32 `yaml:"split_file_if_n_chunks_saved"`
	MinFreeBytes            *uint64 `yaml:"min_free_bytes"`
}

// TLSConfig names the certificate material for mutual TLS.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// ArchiveConfig configures optional S3 archival of completed files (§11.3).
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Compress bool   `yaml:"compress"`
}

// MaintenanceConfig configures the periodic background sweep (§11.5).
type MaintenanceConfig struct {
	EvictionSweepSchedule string `yaml:"eviction_sweep_schedule"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func (l *LoggingConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func (d *DownlinkConfig) validate() error {
	if d.NewFileChunkSize == 0 {
		return fmt.Errorf("downlink.new_file_chunk_size is required and must be > 0")
	}
	if d.NewFileChunkSize > 1024*1024 {
		return fmt.Errorf("downlink.new_file_chunk_size must be <= 1 MiB, got %d", d.NewFileChunkSize)
	}
	return nil
}

func (t *TLSConfig) validate(section string) error {
	if t.CACert == "" {
		return fmt.Errorf("%s.ca_cert is required", section)
	}
	if t.Cert == "" {
		return fmt.Errorf("%s.cert is required", section)
	}
	if t.Key == "" {
		return fmt.Errorf("%s.key is required", section)
	}
	return nil
}
