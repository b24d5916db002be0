// Package thumb renders template previews for the object tree and the
// variant picker.
package thumb

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"sync"

	"github.com/jmoiron/bsedit/bsmap"
	"github.com/jmoiron/bsedit/internal/icon"
	"golang.org/x/image/draw"
)

// ErrNoIcon is returned for templates whose vars name no icon.
var ErrNoIcon = errors.New("thumb: template has no icon")

// Source resolves templates; *env.Env implements it.
type Source interface {
	Template(name string) (*bsmap.Template, bool)
	Digest() string
}

type call struct {
	done chan struct{}
	th   *bsmap.Thumbnail
	err  error
}

// Service implements bsmap.Thumbnailer. Concurrent requests for the same
// key share one render.
type Service struct {
	icons *icon.Library
	size  int
	cache *Cache
	log   *slog.Logger

	mu       sync.Mutex
	src      Source
	inflight map[string]*call
	mem      map[string]*bsmap.Thumbnail
}

var _ bsmap.Thumbnailer = (*Service)(nil)

// New returns a service rendering size×size previews. cache may be nil.
func New(src Source, icons *icon.Library, size int, cache *Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		src:      src,
		icons:    icons,
		size:     size,
		cache:    cache,
		log:      log,
		inflight: make(map[string]*call),
		mem:      make(map[string]*bsmap.Thumbnail),
	}
}

// SetSource switches to a reloaded environment and drops memoized
// previews.
func (s *Service) SetSource(src Source) {
	s.mu.Lock()
	s.src = src
	s.mem = make(map[string]*bsmap.Thumbnail)
	s.mu.Unlock()
	s.icons.Forget()
}

func (s *Service) Thumbnail(ctx context.Context, req bsmap.ThumbnailRequest) (*bsmap.Thumbnail, error) {
	s.mu.Lock()
	src := s.src
	key := req.Key() + "@" + src.Digest()
	if th, ok := s.mem[key]; ok {
		s.mu.Unlock()
		return th, nil
	}
	if c, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.th, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	s.inflight[key] = c
	s.mu.Unlock()

	c.th, c.err = s.load(ctx, src, key, req)

	s.mu.Lock()
	delete(s.inflight, key)
	if c.err == nil && s.src == src {
		s.mem[key] = c.th
	}
	s.mu.Unlock()
	close(c.done)
	return c.th, c.err
}

func (s *Service) load(ctx context.Context, src Source, key string, req bsmap.ThumbnailRequest) (*bsmap.Thumbnail, error) {
	if s.cache != nil {
		th, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.Warn("thumbnail cache read failed", "key", key, "error", err)
		} else if th != nil {
			return th, nil
		}
	}
	th, err := s.Render(src, req)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, key, src.Digest(), th); err != nil {
			s.log.Warn("thumbnail cache write failed", "key", key, "error", err)
		}
	}
	return th, nil
}

// Render draws the first frame of the template's icon state for the
// requested variant, scaled to fit the service size.
func (s *Service) Render(src Source, req bsmap.ThumbnailRequest) (*bsmap.Thumbnail, error) {
	t, ok := src.Template(req.TemplateName)
	if !ok {
		return nil, fmt.Errorf("%w %q", bsmap.ErrUnknownTemplate, req.TemplateName)
	}
	if err := t.Process(); err != nil {
		return nil, err
	}
	leaf := bsmap.ResolveVariantPath(t, req.VariantLeafPath)
	d := bsmap.Descriptor{Vars: bsmap.ComputeVars(t, leaf, nil)}
	path := d.String("icon")
	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoIcon, req.TemplateName)
	}
	ic, err := s.icons.Get(path)
	if err != nil {
		return nil, err
	}
	frame, err := ic.Crop(d.String("icon_state"), int(d.Number("dir", 2)), 0)
	if err != nil {
		return nil, err
	}
	img := scale(frame, s.size)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &bsmap.Thumbnail{
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
		Data:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// scale fits src into a size×size box keeping its aspect ratio.
func scale(src image.Image, size int) image.Image {
	b := src.Bounds()
	if size <= 0 || (b.Dx() == size && b.Dy() <= size) || (b.Dy() == size && b.Dx() <= size) {
		return src
	}
	w, h := size, size
	if b.Dx() > b.Dy() {
		h = max(1, b.Dy()*size/b.Dx())
	} else if b.Dy() > b.Dx() {
		w = max(1, b.Dx()*size/b.Dy())
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
