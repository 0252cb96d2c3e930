package spi

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOptions(t *testing.T) {
	t.Run("partial file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.yaml")
		data := []byte("core_clock_hz: 400000000\nprefill:\n  transfer: 16\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		opts, err := LoadOptions(path)
		if err != nil {
			t.Fatalf("LoadOptions: %v", err)
		}
		if opts.CoreClockHz != 400_000_000 {
			t.Errorf("core clock = %d, want 400000000", opts.CoreClockHz)
		}
		if opts.Prefill.Transfer != 16 {
			t.Errorf("transfer prefill = %d, want 16", opts.Prefill.Transfer)
		}
		// Untouched settings keep their defaults.
		def := DefaultOptions()
		if opts.DelayBytesPerUsec != def.DelayBytesPerUsec {
			t.Errorf("delay bytes = %d, want default %d",
				opts.DelayBytesPerUsec, def.DelayBytesPerUsec)
		}
		if opts.Prefill.Setup != def.Prefill.Setup {
			t.Errorf("setup prefill = %d, want default %d",
				opts.Prefill.Setup, def.Prefill.Setup)
		}
	})

	t.Run("missing file returns defaults and error", func(t *testing.T) {
		opts, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
		if err == nil {
			t.Fatal("expected error for missing file")
		}
		if opts != DefaultOptions() {
			t.Errorf("options = %+v, want defaults", opts)
		}
	})

	t.Run("malformed file returns error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		if err := os.WriteFile(path, []byte("core_clock_hz: [oops\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadOptions(path); err == nil {
			t.Fatal("expected error for malformed file")
		}
	})
}
