// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the current time for testability. Production code
// injects Real(); tests inject Fake(t) for deterministic timestamps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}
