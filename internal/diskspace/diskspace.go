// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diskspace guards the Receiver's pre-allocation step: before
// truncating the output file to its final size, check that the filesystem
// backing it actually has room.
package diskspace

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckFree returns an error if the filesystem backing dir has less than
// requiredBytes of free space.
func CheckFree(dir string, requiredBytes uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("diskspace: checking free space for %s: %w", dir, err)
	}
	if usage.Free < requiredBytes {
		return fmt.Errorf("diskspace: %s has %d bytes free, need %d", dir, usage.Free, requiredBytes)
	}
	return nil
}
