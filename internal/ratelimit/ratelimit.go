// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ratelimit throttles the Sender's outbound Data writes to a
// configured bytes-per-second ceiling.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/sendfile/internal/protocol"
)

// Limiter throttles byte throughput. A Limiter built by New with a
// bytesPerSec of 0 is unlimited: WaitN returns immediately without
// consulting the token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter capped at bytesPerSec bytes per second. A
// bytesPerSec of 0 disables throttling.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{}
	}
	// Burst must cover at least one full block, otherwise WaitN(blockSize)
	// would reject outright whenever the configured rate is below
	// MaxBlockSize bytes/sec.
	burst := int(bytesPerSec)
	if burst < protocol.MaxBlockSize {
		burst = protocol.MaxBlockSize
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WaitN blocks until n bytes' worth of budget is available, or ctx is
// cancelled. With no limit configured it returns immediately.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.WaitN(ctx, n)
}
