// Package icon reads icon sheets: a png holding every frame of every state
// and a sidecar "<icon>.png.json" describing where each frame is.
package icon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

var (
	ErrNoState = errors.New("icon: no such state")
	ErrNoDir   = errors.New("icon: no frames for dir")
	ErrPath    = errors.New("icon: path escapes the icon root")
)

// progressions maps a requested dir (0-15) to the dir actually stored in a
// state with the indexed number of directions.
var progressions = [17][16]int{
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{3, 3, 3, 3, 12, 3, 3, 3, 12, 3, 3, 3, 12, 3, 3, 3},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 1, 2, 2, 4, 4, 2, 4, 8, 8, 8, 4, 1, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{3, 3, 3, 3, 12, 5, 6, 12, 12, 9, 10, 12, 12, 3, 3, 3},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 1, 2, 2, 4, 5, 6, 4, 8, 9, 10, 8, 4, 1, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
	{2, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
}

// Frame is the top-left corner of one frame in the sheet. Delay is in
// milliseconds.
type Frame struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Delay float64 `json:"delay"`
}

type DirMeta struct {
	Frames []Frame `json:"frames"`
}

// Dirs holds per-direction frames. It decodes from either an object keyed
// by dir number or an array indexed by dir.
type Dirs map[int]*DirMeta

func (d *Dirs) UnmarshalJSON(b []byte) error {
	out := make(Dirs)
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("[")) {
		var list []*DirMeta
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		for i, dm := range list {
			if dm != nil {
				out[i] = dm
			}
		}
		*d = out
		return nil
	}
	var m map[string]*DirMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, dm := range m {
		n, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("dirs: bad key %q", k)
		}
		if dm != nil {
			out[n] = dm
		}
	}
	*d = out
	return nil
}

// State describes one icon state.
type State struct {
	Width          int   `json:"width"`
	Height         int   `json:"height"`
	DirCount       int   `json:"dirCount"`
	DirProgression []int `json:"dir_progression,omitempty"`
	Dirs           Dirs  `json:"dirs"`
}

// Meta maps state names to their description.
type Meta map[string]*State

// Lookup finds state, falling back to the " " and then the "" state.
func (m Meta) Lookup(state string) (*State, bool) {
	for _, k := range []string{state, " ", ""} {
		if s, ok := m[k]; ok && s != nil {
			return s, true
		}
	}
	return nil, false
}

// States returns the state names, sorted.
func (m Meta) States() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResolveDir maps a requested dir to the stored one, falling back to 2
// (south) when the progression points at a dir with no frames.
func (s *State) ResolveDir(dir int) (int, *DirMeta, bool) {
	var prog []int
	switch {
	case len(s.DirProgression) > 0:
		prog = s.DirProgression
	case s.DirCount >= 0 && s.DirCount < len(progressions):
		prog = progressions[s.DirCount][:]
	default:
		prog = progressions[1][:]
	}
	computed := 2
	if dir >= 0 && dir < len(prog) {
		computed = prog[dir]
	}
	if dm, ok := s.Dirs[computed]; ok {
		return computed, dm, true
	}
	if dm, ok := s.Dirs[2]; ok {
		return 2, dm, true
	}
	return 0, nil, false
}

// Frame returns the sheet rectangle of a frame. Out of range frames fall
// back to the first one.
func (s *State) Frame(dir, frame int) (image.Rectangle, error) {
	_, dm, ok := s.ResolveDir(dir)
	if !ok || len(dm.Frames) == 0 {
		return image.Rectangle{}, fmt.Errorf("%w %d", ErrNoDir, dir)
	}
	if frame < 0 || frame >= len(dm.Frames) {
		frame = 0
	}
	f := dm.Frames[frame]
	return image.Rect(f.X, f.Y, f.X+s.Width, f.Y+s.Height), nil
}

// Duration is the length of one animation loop for dir.
func (s *State) Duration(dir int) time.Duration {
	_, dm, ok := s.ResolveDir(dir)
	if !ok {
		return 0
	}
	var total float64
	for _, f := range dm.Frames {
		total += f.Delay
	}
	return time.Duration(total * float64(time.Millisecond))
}

// Icon is an opened sheet.
type Icon struct {
	Path string
	Meta Meta
	img  image.Image
}

// MetaPath returns the sidecar metadata path of an icon.
func MetaPath(path string) string { return path + ".json" }

// Open reads the png at path and its metadata.
func Open(path string) (*Icon, error) {
	mb, err := os.ReadFile(MetaPath(path))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(mb, &meta); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(MetaPath(path)), err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &Icon{Path: path, Meta: meta, img: img}, nil
}

// Bounds returns the size of the whole sheet.
func (ic *Icon) Bounds() image.Rectangle { return ic.img.Bounds() }

// Crop copies a single frame out of the sheet.
func (ic *Icon) Crop(state string, dir, frame int) (*image.NRGBA, error) {
	st, ok := ic.Meta.Lookup(state)
	if !ok {
		return nil, fmt.Errorf("%w %q in %s", ErrNoState, state, filepath.Base(ic.Path))
	}
	r, err := st.Frame(dir, frame)
	if err != nil {
		return nil, err
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), ic.img, r.Min, draw.Src)
	return dst, nil
}

// Library opens icons relative to a root directory and keeps them.
type Library struct {
	root string

	mu    sync.Mutex
	icons map[string]*Icon
}

func NewLibrary(root string) *Library {
	return &Library{root: root, icons: make(map[string]*Icon)}
}

// Get returns the icon at the slash separated path rel, opening it on
// first use.
func (l *Library) Get(rel string) (*Icon, error) {
	clean := filepath.FromSlash(rel)
	if !filepath.IsLocal(clean) {
		return nil, fmt.Errorf("%w: %q", ErrPath, rel)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ic, ok := l.icons[clean]; ok {
		return ic, nil
	}
	ic, err := Open(filepath.Join(l.root, clean))
	if err != nil {
		return nil, err
	}
	l.icons[clean] = ic
	return ic, nil
}

// Forget drops every cached icon.
func (l *Library) Forget() {
	l.mu.Lock()
	l.icons = make(map[string]*Icon)
	l.mu.Unlock()
}
