// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command sendfile is the CLI front end for both transfer roles: "send"
// reads a local file and serves it to a Receiver, "receive" accepts a
// Handshake and pulls the file down in parallel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/nishisan-dev/sendfile/internal/config"
	"github.com/nishisan-dev/sendfile/internal/logging"
	"github.com/nishisan-dev/sendfile/internal/receiver"
	"github.com/nishisan-dev/sendfile/internal/retryschedule"
	"github.com/nishisan-dev/sendfile/internal/sender"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sendfile send <FILE> <HOST> [flags]")
	fmt.Fprintln(os.Stderr, "       sendfile receive <PATH> [flags]")
}

func defaultConcurrency() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts < 1 {
		return 8
	}
	return counts
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	blockSize := fs.String("block-size", "4mb", "block size (e.g. 256kb, 1mb, 4mb; capped at 4mb)")
	concurrency := fs.Int("concurrency", 0, "sender parallelism; the accepted-connection cap is 4x this, at least 8 (0 = available parallelism)")
	noCompress := fs.Bool("no-compress", false, "disable per-block gzip compression")
	rateLimit := fs.String("rate-limit", "", "throttle outbound bytes/sec (e.g. 1mb); empty = unlimited")
	retrySchedule := fs.String("retry-schedule", "", "cron expression to retry the whole send if it never completes")
	configPath := fs.String("config", "", "optional YAML defaults file")
	logLevel := fs.String("log-level", "info", "debug, info, warn, error")
	logFormat := fs.String("log-format", "json", "json or text")
	logFile := fs.String("log-file", "", "optional file to tee logs to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("send requires <FILE> <HOST>")
	}
	filePath := fs.Arg(0)
	host := fs.Arg(1)

	defaults, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	blockSizeBytes, err := resolveBlockSize(*blockSize, defaults, fs)
	if err != nil {
		return err
	}
	rateLimitBytes, err := resolveRateLimit(*rateLimit, defaults, fs)
	if err != nil {
		return err
	}

	c := resolveConcurrency(*concurrency, defaults, fs)
	noCompressEffective := *noCompress
	if !isFlagSet(fs, "no-compress") && defaults.NoCompress {
		noCompressEffective = true
	}

	logger, closer := logging.NewLogger(*logLevel, *logFormat, *logFile)
	defer closer.Close()

	cfg := sender.Config{
		FilePath:    filePath,
		ReceiverIP:  host,
		BlockSize:   blockSizeBytes,
		Concurrency: uint16(c),
		NoCompress:  noCompressEffective,
		RateLimit:   rateLimitBytes,
		Logger:      logger,
	}

	attempt := func() error {
		return sender.Send(context.Background(), cfg)
	}

	if *retrySchedule == "" {
		return attempt()
	}

	firstErr := attempt()
	if firstErr == nil {
		return nil
	}
	logger.Warn("initial send attempt failed, scheduling retries", "error", firstErr, "schedule", *retrySchedule)
	return retryschedule.Run(*retrySchedule, attempt, logger)
}

func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	concurrency := fs.Int("concurrency", 0, "receiver worker count override (0 = computed from available parallelism)")
	configPath := fs.String("config", "", "optional YAML defaults file")
	logLevel := fs.String("log-level", "info", "debug, info, warn, error")
	logFormat := fs.String("log-format", "json", "json or text")
	logFile := fs.String("log-file", "", "optional file to tee logs to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("receive requires <PATH>")
	}
	outputPath := fs.Arg(0)

	defaults, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	c := resolveConcurrency(*concurrency, defaults, fs)
	if c > 16 {
		c = 16
	}

	logger, closer := logging.NewLogger(*logLevel, *logFormat, *logFile)
	defer closer.Close()

	// The Sender's IP is not a flag: Receive derives it from the handshake
	// connection's remote address (§3, §6).
	cfg := receiver.Config{
		OutputPath:  outputPath,
		Concurrency: uint16(c),
		Logger:      logger,
	}

	return receiver.Receive(context.Background(), cfg)
}

func resolveConcurrency(flagValue int, defaults *config.Defaults, fs *flag.FlagSet) int {
	if flagValue > 0 {
		return flagValue
	}
	if defaults.Concurrency > 0 {
		return defaults.Concurrency
	}
	return defaultConcurrency()
}

func resolveBlockSize(flagValue string, defaults *config.Defaults, fs *flag.FlagSet) (uint32, error) {
	const maxBlockSize = 4 * 1024 * 1024

	raw := flagValue
	if !isFlagSet(fs, "block-size") && defaults.BlockSizeRaw > 0 {
		return capBlockSize(defaults.BlockSizeRaw, maxBlockSize), nil
	}

	parsed, err := config.ParseByteSize(raw)
	if err != nil {
		return 0, fmt.Errorf("block-size: %w", err)
	}
	return capBlockSize(parsed, maxBlockSize), nil
}

func capBlockSize(n int64, maxSize int64) uint32 {
	if n <= 0 {
		return uint32(maxSize)
	}
	if n > maxSize {
		return uint32(maxSize)
	}
	return uint32(n)
}

func resolveRateLimit(flagValue string, defaults *config.Defaults, fs *flag.FlagSet) (int64, error) {
	if flagValue == "" {
		return defaults.RateLimitRaw, nil
	}
	return config.ParseByteSize(flagValue)
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
