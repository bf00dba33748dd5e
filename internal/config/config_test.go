// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPath(t *testing.T) {
	d, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.BlockSize != "" || d.Concurrency != 0 {
		t.Fatalf("expected zero-value defaults, got %+v", d)
	}
}

func TestLoadValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sendfile.yaml")
	contents := "block_size: 4mb\nconcurrency: 8\nno_compress: true\nrate_limit: 10mb\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", d.Concurrency)
	}
	if !d.NoCompress {
		t.Error("NoCompress = false, want true")
	}
	if d.BlockSizeRaw != 4*1024*1024 {
		t.Errorf("BlockSizeRaw = %d, want %d", d.BlockSizeRaw, 4*1024*1024)
	}
	if d.RateLimitRaw != 10*1024*1024 {
		t.Errorf("RateLimitRaw = %d, want %d", d.RateLimitRaw, 10*1024*1024)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadNegativeConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sendfile.yaml")
	if err := os.WriteFile(path, []byte("concurrency: -1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative concurrency")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256kb", 256 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"4mb", 4 * 1024 * 1024, false},
		{"100", 100, false},
		{"100b", 100, false},
		{"", 0, true},
		{"notanumbermb", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
