// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package pathcodec

import "testing"

func TestToBackingFile(t *testing.T) {
	if got := ToBackingFile("report.txt"); got != "report.txt.zst" {
		t.Errorf("ToBackingFile(%q) = %q", "report.txt", got)
	}
	if got := ToBackingFile(""); got != ".zst" {
		t.Errorf("ToBackingFile(\"\") = %q", got)
	}
}

func TestToBackingDir(t *testing.T) {
	if got := ToBackingDir("sub"); got != "sub" {
		t.Errorf("ToBackingDir(%q) = %q", "sub", got)
	}
}

func TestHasCompressedSuffix(t *testing.T) {
	cases := map[string]bool{
		"report.txt.zst": true,
		"report.txt":     false,
		".zst":           false, // bare suffix is not a valid compressed name
		"a.zst.zst":      true,
		"":               false,
	}
	for name, want := range cases {
		if got := HasCompressedSuffix(name); got != want {
			t.Errorf("HasCompressedSuffix(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestToVisibleFile(t *testing.T) {
	visible, ok := ToVisibleFile("report.txt.zst")
	if !ok || visible != "report.txt" {
		t.Errorf("ToVisibleFile(report.txt.zst) = (%q, %v), want (report.txt, true)", visible, ok)
	}

	visible, ok = ToVisibleFile("plain.json")
	if ok || visible != "plain.json" {
		t.Errorf("ToVisibleFile(plain.json) = (%q, %v), want (plain.json, false)", visible, ok)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"a", "a.b.c", "report", "x.y.z.ext"} {
		backing := ToBackingFile(name)
		visible, ok := ToVisibleFile(backing)
		if !ok || visible != name {
			t.Errorf("round trip for %q: backing=%q visible=%q ok=%v", name, backing, visible, ok)
		}
	}
}
