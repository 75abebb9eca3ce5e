// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadSenderConfig(t *testing.T) {
	path := writeTempConfig(t, `
downlink:
  new_file_chunk_size: 65536
  max_folder_size: 10737418240
input:
  watch_dir: /var/lib/leoftp/incoming
  staging_dir: /var/lib/leoftp/pending
  poll_interval: 250ms
storage:
  workdir: /var/lib/leoftp/ready
transport:
  receiver_address: receiver.internal:9847
tls:
  ca_cert: /etc/leoftp/ca.pem
  cert: /etc/leoftp/sender.pem
  key: /etc/leoftp/sender-key.pem
`)

	cfg, err := LoadSenderConfig(path)
	if err != nil {
		t.Fatalf("LoadSenderConfig: %v", err)
	}

	if cfg.Downlink.NewFileChunkSize != 65536 {
		t.Errorf("expected new_file_chunk_size 65536, got %d", cfg.Downlink.NewFileChunkSize)
	}
	if cfg.Downlink.MaxFolderSize == nil || *cfg.Downlink.MaxFolderSize != 10737418240 {
		t.Errorf("expected max_folder_size 10737418240, got %v", cfg.Downlink.MaxFolderSize)
	}
	if cfg.Input.PollInterval.AsDuration().String() != "250ms" {
		t.Errorf("expected poll_interval 250ms, got %v", cfg.Input.PollInterval.AsDuration())
	}
	if cfg.Transport.OutboundChannelCapacity != 3 {
		t.Errorf("expected default outbound_channel_capacity 3, got %d", cfg.Transport.OutboundChannelCapacity)
	}
	if cfg.Transport.ReceiverAddress != "receiver.internal:9847" {
		t.Errorf("expected transport.receiver_address receiver.internal:9847, got %q", cfg.Transport.ReceiverAddress)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("expected default logging level/format info/text, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadSenderConfigRejectsOversizedChunk(t *testing.T) {
	path := writeTempConfig(t, `
downlink:
  new_file_chunk_size: 2097152
input:
  watch_dir: /tmp/in
  staging_dir: /tmp/stage
storage:
  workdir: /tmp/ready
tls:
  ca_cert: /etc/ca.pem
  cert: /etc/cert.pem
  key: /etc/key.pem
`)

	if _, err := LoadSenderConfig(path); err == nil {
		t.Fatal("expected an error for new_file_chunk_size exceeding 1 MiB")
	}
}

func TestLoadSenderConfigRejectsMissingTLS(t *testing.T) {
	path := writeTempConfig(t, `
downlink:
  new_file_chunk_size: 4096
input:
  watch_dir: /tmp/in
  staging_dir: /tmp/stage
storage:
  workdir: /tmp/ready
`)

	if _, err := LoadSenderConfig(path); err == nil {
		t.Fatal("expected an error for missing tls section")
	}
}

func TestLoadSenderConfigRejectsMissingReceiverAddress(t *testing.T) {
	path := writeTempConfig(t, `
downlink:
  new_file_chunk_size: 4096
input:
  watch_dir: /tmp/in
  staging_dir: /tmp/stage
storage:
  workdir: /tmp/ready
tls:
  ca_cert: /etc/ca.pem
  cert: /etc/cert.pem
  key: /etc/key.pem
`)

	if _, err := LoadSenderConfig(path); err == nil {
		t.Fatal("expected an error for missing transport.receiver_address")
	}
}

func TestLoadReceiverConfig(t *testing.T) {
	path := writeTempConfig(t, `
listen: 0.0.0.0:9847
storage:
  workdir: /var/lib/leoftp/work
  result_dir: /var/lib/leoftp/done
tls:
  ca_cert: /etc/leoftp/ca.pem
  cert: /etc/leoftp/receiver.pem
  key: /etc/leoftp/receiver-key.pem
audit_log:
  enabled: true
`)

	cfg, err := LoadReceiverConfig(path)
	if err != nil {
		t.Fatalf("LoadReceiverConfig: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9847" {
		t.Errorf("expected listen 0.0.0.0:9847, got %q", cfg.Listen)
	}
	if cfg.AuditLog.Path != "audit.jsonl" {
		t.Errorf("expected default audit_log.path audit.jsonl, got %q", cfg.AuditLog.Path)
	}
	if cfg.AuditLog.MaxLines != 20000 {
		t.Errorf("expected default audit_log.max_lines 20000, got %d", cfg.AuditLog.MaxLines)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]uint64{
		"0":     0,
		"512":   512,
		"1kb":   1024,
		"4mb":   4 * 1024 * 1024,
		"2gb":   2 * 1024 * 1024 * 1024,
	}
	for input, want := range cases {
		got, err := ParseByteSize(input)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", input, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", input, got, want)
		}
	}
}
