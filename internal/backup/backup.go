// Package backup keeps zstd-compressed copies of map files taken before
// they are overwritten.
package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const ext = ".bsmap.zst"

// ErrNone is returned when a map has no backups.
var ErrNone = errors.New("backup: no backups")

type Store struct {
	dir  string
	keep int
	now  func() time.Time
}

// Entry is one stored backup.
type Entry struct {
	Map  string    `json:"map"`
	Time time.Time `json:"time"`
	Size int64     `json:"size"`
	path string
}

// New returns a store writing under dir and keeping the newest keep
// backups per map. keep <= 0 keeps everything.
func New(dir string, keep int) *Store {
	return &Store{dir: dir, keep: keep, now: time.Now}
}

func (s *Store) mapDir(name string) (string, error) {
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." {
		return "", fmt.Errorf("backup: bad map name %q", name)
	}
	return filepath.Join(s.dir, base), nil
}

// Snapshot compresses data as the newest backup of map name and prunes old
// ones.
func (s *Store) Snapshot(name string, data []byte) (Entry, error) {
	dir, err := s.mapDir(name)
	if err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, err
	}
	t := s.now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("%020d%s", t.UnixNano(), ext))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Entry{}, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return Entry{}, err
	}
	if err := enc.Close(); err != nil {
		return Entry{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}
	if err := s.prune(name); err != nil {
		return Entry{}, err
	}
	return Entry{Map: name, Time: t, Size: info.Size(), path: path}, nil
}

// List returns the backups of map name, newest first.
func (s *Store) List(name string) ([]Entry, error) {
	dir, err := s.mapDir(name)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ext) {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSuffix(de.Name(), ext), 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			Map:  name,
			Time: time.Unix(0, ns).UTC(),
			Size: info.Size(),
			path: filepath.Join(dir, de.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

// Latest returns the newest backup of map name.
func (s *Store) Latest(name string) (Entry, error) {
	list, err := s.List(name)
	if err != nil {
		return Entry{}, err
	}
	if len(list) == 0 {
		return Entry{}, fmt.Errorf("%w for %s", ErrNone, name)
	}
	return list[0], nil
}

// Read decompresses a backup.
func (s *Store) Read(e Entry) ([]byte, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(bufio.NewReader(dec))
}

func (s *Store) prune(name string) error {
	if s.keep <= 0 {
		return nil
	}
	list, err := s.List(name)
	if err != nil {
		return err
	}
	for _, e := range list[min(len(list), s.keep):] {
		if err := os.Remove(e.path); err != nil {
			return err
		}
	}
	return nil
}
