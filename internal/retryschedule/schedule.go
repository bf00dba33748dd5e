// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package retryschedule re-attempts a failed send at the next firing of a
// cron expression, for unattended --retry-schedule invocations.
package retryschedule

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Attempt is the send operation to retry. A nil error means the transfer
// completed and the scheduler should stop firing.
type Attempt func() error

// Runner pairs a cron scheduler with a completion channel. It has no
// methods; Run builds and manages its own scheduler.
type Runner struct {
	cron *cron.Cron
	done chan struct{}
}

// Run parses expr and starts calling attempt every time it fires, logging
// each failure, until attempt returns nil (success). It blocks until an
// attempt succeeds; an invalid expression is returned as an error at once.
func Run(expr string, attempt Attempt, logger *slog.Logger) error {
	c := cron.New()
	done := make(chan struct{})

	_, err := c.AddFunc(expr, func() {
		if err := attempt(); err != nil {
			logger.Warn("scheduled retry failed", "error", err)
			return
		}
		logger.Info("scheduled retry succeeded")
		close(done)
	})
	if err != nil {
		return fmt.Errorf("retryschedule: invalid cron expression %q: %w", expr, err)
	}

	c.Start()
	defer c.Stop()

	<-done
	return nil
}
