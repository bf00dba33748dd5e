// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the optional YAML defaults file shared by the send
// and receive subcommands. Flags passed on the command line always win over
// a value loaded here; a value loaded here always wins over the built-in
// default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults holds the subset of send/receive options that may be pinned in
// a config file instead of passed as flags every invocation.
type Defaults struct {
	BlockSize   string `yaml:"block_size"`
	Concurrency int    `yaml:"concurrency"`
	NoCompress  bool   `yaml:"no_compress"`
	RateLimit   string `yaml:"rate_limit"`

	BlockSizeRaw int64 `yaml:"-"`
	RateLimitRaw int64 `yaml:"-"`
}

// Load reads and validates the defaults file at path. A missing path is
// not an error at this layer; callers pass "" when --config was not given
// and get back a zero-value Defaults.
func Load(path string) (*Defaults, error) {
	if path == "" {
		return &Defaults{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &d, nil
}

func (d *Defaults) validate() error {
	if d.BlockSize != "" {
		parsed, err := ParseByteSize(d.BlockSize)
		if err != nil {
			return fmt.Errorf("block_size: %w", err)
		}
		d.BlockSizeRaw = parsed
	}

	if d.RateLimit != "" {
		parsed, err := ParseByteSize(d.RateLimit)
		if err != nil {
			return fmt.Errorf("rate_limit: %w", err)
		}
		d.RateLimitRaw = parsed
	}

	if d.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", d.Concurrency)
	}

	return nil
}

// ParseByteSize converts human-readable strings like "256mb", "1gb" to a
// byte count. Suffixes are checked longest-first so "mb" doesn't match as
// a trailing "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
