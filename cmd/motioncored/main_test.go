// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"os"
	"path/filepath"
	"testing"

	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

func TestReloadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.cfg")
	write := func(data string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("[axis x]\nsteps_per_mm: 120\n")

	notifier := &settings.Notifier{}
	var got *settings.Settings
	notifier.Subscribe(func(s *settings.Settings) { got = s })

	if err := reloadSettings(path, notifier); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got == nil {
		t.Fatal("subscriber never ran")
	}
	if got.StepsPerMM[signal.X] != 120 {
		t.Fatalf("steps_per_mm = %v, want 120", got.StepsPerMM[signal.X])
	}

	// A profile that fails to parse must not reach subscribers.
	write("[axis x]\nsteps_per_mm: -5\n")
	got = nil
	if err := reloadSettings(path, notifier); err == nil {
		t.Fatal("expected an error for a negative steps_per_mm")
	}
	if got != nil {
		t.Fatal("rejected profile reached subscribers")
	}
}
