package logging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestThrottledSuppressesRepeats(t *testing.T) {
	th := NewThrottled(time.Hour)

	count := 0
	for i := 0; i < 5; i++ {
		th.Do("config", "bad spacing", func() { count++ })
	}
	if count != 1 {
		t.Fatalf("expected 1 emission, got %d", count)
	}
}

func TestThrottledNewSignatureEmits(t *testing.T) {
	th := NewThrottled(time.Hour)

	count := 0
	th.Do("config", "bad spacing", func() { count++ })
	th.Do("config", "bad spacing", func() { count++ })
	th.Do("config", "exit above enter", func() { count++ })
	if count != 2 {
		t.Fatalf("expected 2 emissions, got %d", count)
	}
}

func TestThrottledKeysIndependent(t *testing.T) {
	th := NewThrottled(time.Hour)

	count := 0
	th.Do("a", "x", func() { count++ })
	th.Do("b", "x", func() { count++ })
	if count != 2 {
		t.Fatalf("expected 2 emissions, got %d", count)
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	ctx := NewContext(context.Background(), l)

	got := FromContext(ctx)
	got.Info().Msg("hello")
	if !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Errorf("expected logger from context to write to buffer, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
