package icon

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const testMeta = `{
	"on": {"width": 32, "height": 32, "dirCount": 1, "dirs": {"2": {"frames": [
		{"x": 0, "y": 0, "delay": 100},
		{"x": 32, "y": 0, "delay": 50}
	]}}},
	"turn": {"width": 32, "height": 32, "dirCount": 4, "dirs": {
		"2": {"frames": [{"x": 0, "y": 0, "delay": 0}]},
		"4": {"frames": [{"x": 32, "y": 0, "delay": 0}]}
	}},
	"": {"width": 32, "height": 32, "dirCount": 1, "dirs": [null, null, {"frames": [{"x": 32, "y": 0, "delay": 0}]}]}
}`

var (
	red  = color.NRGBA{255, 0, 0, 255}
	blue = color.NRGBA{0, 0, 255, 255}
)

func writeSheet(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			if x < 32 {
				img.Set(x, y, red)
			} else {
				img.Set(x, y, blue)
			}
		}
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := os.WriteFile(MetaPath(path), []byte(testMeta), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenAndCrop(t *testing.T) {
	ic, err := Open(writeSheet(t, t.TempDir(), "lamp.png"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := ic.Meta.States(); !reflect.DeepEqual(got, []string{"", "on", "turn"}) {
		t.Fatalf("states: %v", got)
	}

	img, err := ic.Crop("on", 2, 1)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Fatalf("crop size: %v", img.Bounds())
	}
	if got := img.NRGBAAt(5, 5); got != blue {
		t.Fatalf("frame 1 should be blue, got %v", got)
	}

	// out of range frame falls back to the first
	img, err = ic.Crop("on", 2, 9)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if got := img.NRGBAAt(5, 5); got != red {
		t.Fatalf("frame 0 should be red, got %v", got)
	}

	// unknown state falls back to "", whose dirs are an array
	img, err = ic.Crop("missing", 2, 0)
	if err != nil {
		t.Fatalf("crop fallback: %v", err)
	}
	if got := img.NRGBAAt(0, 0); got != blue {
		t.Fatalf("fallback state should be blue, got %v", got)
	}
}

func TestResolveDir(t *testing.T) {
	ic, err := Open(writeSheet(t, t.TempDir(), "pipe.png"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st, _ := ic.Meta.Lookup("turn")
	tests := []struct{ in, want int }{
		{2, 2},
		{4, 4},
		{5, 4},  // northeast on a 4-dir state shows east
		{1, 2},  // north has no frames, fall back to south
		{99, 2}, // out of the table
	}
	for _, tc := range tests {
		got, _, ok := st.ResolveDir(tc.in)
		if !ok || got != tc.want {
			t.Errorf("ResolveDir(%d) = %d (%v), want %d", tc.in, got, ok, tc.want)
		}
	}
	on, _ := ic.Meta.Lookup("on")
	if d := on.Duration(2); d != 150*time.Millisecond {
		t.Fatalf("duration: %v", d)
	}
	empty := &State{Width: 1, Height: 1}
	if _, err := empty.Frame(2, 0); !errors.Is(err, ErrNoDir) {
		t.Fatalf("expected ErrNoDir, got %v", err)
	}
}

func TestLookupMissing(t *testing.T) {
	m := Meta{"a": &State{}}
	if _, ok := m.Lookup("b"); ok {
		t.Fatalf("expected no fallback state")
	}
}

func TestLibrary(t *testing.T) {
	root := t.TempDir()
	writeSheet(t, root, "objects/lamp.png")
	lib := NewLibrary(root)
	a, err := lib.Get("objects/lamp.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := lib.Get("objects/lamp.png")
	if a != b {
		t.Fatalf("icon should be cached")
	}
	if _, err := lib.Get("../etc/passwd.png"); !errors.Is(err, ErrPath) {
		t.Fatalf("expected ErrPath, got %v", err)
	}
	if _, err := lib.Get("objects/none.png"); err == nil {
		t.Fatalf("expected error for missing icon")
	}
	lib.Forget()
	c, _ := lib.Get("objects/lamp.png")
	if c == a {
		t.Fatalf("Forget should drop cached icons")
	}
}
