package logging

import (
	"log/slog"
	"testing"
)

func TestIsSensitive(t *testing.T) {
	cases := map[string]bool{
		"hmac_secret":   true,
		"Authorization": true,
		"jwtToken":      true,
		"audit_dsn":     true,
		"seed_file":     true,
		"deal":          false,
		"caller":        false,
		"":              false,
	}
	for key, want := range cases {
		if got := IsSensitive(key); got != want {
			t.Fatalf("IsSensitive(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestRedactAttr(t *testing.T) {
	if got := redactAttr(slog.String("token", "abc")); got.Value.String() != RedactedValue {
		t.Fatalf("token should be masked, got %q", got.Value.String())
	}
	if got := redactAttr(slog.String("token", "")); got.Value.String() != "" {
		t.Fatalf("empty values stay empty, got %q", got.Value.String())
	}
	if got := redactAttr(slog.Int("private_key_len", 32)); got.Value.String() != RedactedValue {
		t.Fatalf("non-string values under sensitive keys are masked too")
	}
	if got := redactAttr(slog.String("deal", "d-1")); got.Value.String() != "d-1" {
		t.Fatalf("deal should pass through, got %q", got.Value.String())
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("dsn", "postgres://escrow:pw@db/escrow"); got.Value.String() != RedactedValue {
		t.Fatalf("MaskField should mask, got %q", got.Value.String())
	}
	if got := MaskField("dsn", " "); got.Value.String() != " " {
		t.Fatalf("blank values are kept verbatim")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
