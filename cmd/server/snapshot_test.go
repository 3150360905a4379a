package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"portfolio-session-server/internal/model"
	"portfolio-session-server/internal/store"
)

func TestMaskIdentifier(t *testing.T) {
	cases := map[string]string{
		"+4915112345678": "***678",
		"123":            "***",
		"":               "***",
	}
	for in, want := range cases {
		if got := maskIdentifier(in); got != want {
			t.Fatalf("maskIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintSnapshot_HidesSecrets(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	snap := store.Snapshot{
		Version: 1,
		Sessions: []model.SessionRecord{{
			ID:             "s1",
			Identifier:     "+4915112345678",
			SealedSecret:   []byte("sealed-bytes"),
			State:          model.StateNeedsRestore,
			LastActivityAt: at,
		}},
		SavedAt: at.UnixMilli(),
	}

	var buf bytes.Buffer
	if err := printSnapshot(&buf, snap); err != nil {
		t.Fatalf("printSnapshot: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "s1") || !strings.Contains(out, "needs_restore") || !strings.Contains(out, "***678") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "4915112345678") || strings.Contains(out, "sealed-bytes") {
		t.Fatalf("output leaks credentials:\n%s", out)
	}
}
