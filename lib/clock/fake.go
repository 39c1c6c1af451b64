// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Fake returns a Clock fixed at t, for tests that need a deterministic
// timestamp.
func Fake(t time.Time) Clock { return fakeClock{t} }

type fakeClock struct{ t time.Time }

func (f fakeClock) Now() time.Time { return f.t }
