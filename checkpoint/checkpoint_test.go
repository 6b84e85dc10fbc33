package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFileName(t *testing.T) {
	if got := FileName("starrnn", 3); got != "starrnn_epoch3.params" {
		t.Fatalf("unexpected file name %q", got)
	}
}

func TestSaveLoadFull(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	store := &Store{Dir: dir}
	state := map[string][]float32{
		"wx": {0.1, -0.2, 0.3},
		"bo": {3},
	}
	path, err := store.Save("starrnn", 0, state)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if path != filepath.Join(dir, "starrnn_epoch0.params") {
		t.Fatalf("unexpected path %s", path)
	}

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if snap.Model != "starrnn" || snap.Epoch != 0 {
		t.Fatalf("unexpected header: %+v", snap)
	}
	if !reflect.DeepEqual(snap.State, state) {
		t.Fatalf("state mismatch: got %v expected %v", snap.State, state)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the checkpoint in %s, found %d entries", dir, len(entries))
	}
}

func TestSaveLoadHalf(t *testing.T) {
	store := &Store{Dir: t.TempDir(), HalfPrecision: true}
	state := map[string][]float32{"w": {0.5, -1.25, 3.14159, 1e-3}}
	path, err := store.Save("m", 7, state)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	got := snap.State["w"]
	for i, v := range state["w"] {
		if math.Abs(float64(got[i]-v)) > 2e-3*math.Max(1, math.Abs(float64(v))) {
			t.Fatalf("half precision value %d: got %v expected ~%v", i, got[i], v)
		}
	}
	if got[0] != 0.5 || got[1] != -1.25 {
		t.Fatalf("exactly representable values changed: %v", got)
	}
}

func TestSaveErrors(t *testing.T) {
	store := &Store{Dir: t.TempDir()}
	if _, err := store.Save("", 0, map[string][]float32{"a": {1}}); err == nil {
		t.Fatalf("expected error for empty model name")
	}
	if _, err := store.Save("m", 0, nil); err == nil {
		t.Fatalf("expected error for empty state")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.params")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.params")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error")
	}
}
