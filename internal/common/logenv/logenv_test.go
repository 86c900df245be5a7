package logenv

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStr(t *testing.T) {
	key := "PLUGBRIDGE_TEST_ENV_STR"
	t.Setenv(key, "")
	if got := Str(key, "def"); got != "def" {
		t.Fatalf("Str default: got %q", got)
	}
	t.Setenv(key, "val")
	if got := Str(key, "def"); got != "val" {
		t.Fatalf("Str set: got %q", got)
	}
}

func TestBool(t *testing.T) {
	key := "PLUGBRIDGE_TEST_ENV_BOOL"
	t.Setenv(key, "")
	if !Bool(key, true) || Bool(key, false) {
		t.Fatalf("Bool must return the default when unset")
	}
	for _, v := range []string{"1", "true", "YES"} {
		t.Setenv(key, v)
		if !Bool(key, false) {
			t.Fatalf("Bool(%q) -> false", v)
		}
	}
	t.Setenv(key, "no")
	if Bool(key, true) {
		t.Fatalf("Bool no -> true")
	}
}

func TestIntAndDuration(t *testing.T) {
	key := "PLUGBRIDGE_TEST_ENV_NUM"
	t.Setenv(key, "42")
	if got := Int(key, 0); got != 42 {
		t.Fatalf("Int 42 -> %d", got)
	}
	t.Setenv(key, "bad")
	if got := Int(key, 5); got != 5 {
		t.Fatalf("Int bad -> %d", got)
	}
	if got := Duration(key, time.Second); got != time.Second {
		t.Fatalf("Duration bad -> %s", got)
	}
	t.Setenv(key, "15ms")
	if got := Duration(key, time.Second); got != 15*time.Millisecond {
		t.Fatalf("Duration 15ms -> %s", got)
	}
	t.Setenv(key, "-1s")
	if got := Duration(key, time.Second); got != time.Second {
		t.Fatalf("negative duration must fall back: %s", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"err":     zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"weird":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", true)
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected output: %q", out)
	}
	buf.Reset()
	log = New(&buf, "info", false)
	log.Info().Msg("console")
	if !strings.Contains(buf.String(), "console") || strings.Contains(buf.String(), `"message"`) {
		t.Fatalf("console writer output: %q", buf.String())
	}
}
