// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable current-time source for
// testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now directly. Real() provides the standard library
// behavior; Fake(t) returns a fixed time for deterministic tests.
package clock
