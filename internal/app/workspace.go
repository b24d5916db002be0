package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/bsedit/bsmap"
	"github.com/jmoiron/bsedit/internal/backup"
	"github.com/jmoiron/bsedit/internal/schema"
)

// MapExt is the extension of map files in a workspace.
const MapExt = ".bsmap"

// Workspace is the set of maps found in a directory.
type Workspace struct {
	// root is the directory the maps were loaded from.
	root string
	opts DocOptions

	Docs     []*Doc
	Failures []Failure

	// docMap maps a map name (file name without extension) to its doc
	docMap map[string]*Doc
}

// DocOptions configure how documents are loaded and saved.
type DocOptions struct {
	Env      bsmap.Env
	Thumbs   bsmap.Thumbnailer
	Log      *slog.Logger
	MaxDepth int
	// Strict validates files against the map schema before decoding.
	Strict  bool
	Backups *backup.Store
}

func (o DocOptions) storeOptions() []bsmap.Option {
	opts := []bsmap.Option{bsmap.WithLogger(o.Log), bsmap.WithMaxCascadeDepth(o.MaxDepth)}
	if o.Thumbs != nil {
		opts = append(opts, bsmap.WithThumbnailer(o.Thumbs))
	}
	return opts
}

// NewWorkspace opens every map file directly inside root. Maps that fail to
// load are recorded in Failures instead of aborting the scan.
func NewWorkspace(root string, opts DocOptions) (*Workspace, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	w := &Workspace{root: root, opts: opts, docMap: make(map[string]*Doc)}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		// skip directories and non-map files
		if e.IsDir() || !strings.HasSuffix(e.Name(), MapExt) {
			continue
		}
		path := filepath.Join(root, e.Name())
		d := newDoc(path, opts)
		if err := d.load(); err != nil {
			opts.Log.Warn("error loading map", "map", d.Name, "error", err)
			w.Failures = append(w.Failures, Failure{Name: d.Name, Path: path, Err: err.Error()})
			continue
		}
		w.Docs = append(w.Docs, d)
		w.docMap[d.Name] = d
	}
	sort.Slice(w.Docs, func(i, j int) bool { return w.Docs[i].Name < w.Docs[j].Name })
	return w, nil
}

// Doc returns the open map called name.
func (w *Workspace) Doc(name string) (*Doc, bool) {
	d, ok := w.docMap[name]
	return d, ok
}

// Reload re-resolves every open map against env.
func (w *Workspace) Reload(env bsmap.Env) error {
	w.opts.Env = env
	var errs []error
	for _, d := range w.Docs {
		if err := d.Reload(env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Doc is one open map. Every access to its store goes through the doc's
// lock.
type Doc struct {
	Name string
	Path string

	opts  DocOptions
	mu    sync.Mutex
	store *bsmap.Store
}

func newDoc(path string, opts DocOptions) *Doc {
	return &Doc{
		Name: strings.TrimSuffix(filepath.Base(path), MapExt),
		Path: path,
		opts: opts,
	}
}

func (d *Doc) load() error {
	b, err := os.ReadFile(d.Path)
	if err != nil {
		return err
	}
	return d.decode(b)
}

// decode replaces the store contents with b. The current contents are
// kept when b cannot be loaded.
func (d *Doc) decode(b []byte) error {
	if d.opts.Strict {
		if err := schema.Validate(b); err != nil {
			return err
		}
	}
	if d.store == nil {
		d.store = bsmap.NewStore(d.opts.Env, d.opts.storeOptions()...)
	}
	return d.store.Decode(b)
}

// Do runs fn with exclusive access to the store.
func (d *Doc) Do(fn func(s *bsmap.Store) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.store)
}

// Revert discards unsaved changes by loading the file again.
func (d *Doc) Revert() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load()
}

// Save writes the map, first backing up what is currently on disk.
func (d *Doc) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.Backups != nil {
		prev, err := os.ReadFile(d.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return err
		default:
			if _, err := d.opts.Backups.Snapshot(d.Name+MapExt, prev); err != nil {
				return fmt.Errorf("backup: %w", err)
			}
		}
	}
	return d.store.Save(d.Path)
}

// Restore replaces the contents of the map with its newest backup. The
// file itself is left alone until the next save.
func (d *Doc) Restore() error {
	if d.opts.Backups == nil {
		return backup.ErrNone
	}
	e, err := d.opts.Backups.Latest(d.Name + MapExt)
	if err != nil {
		return err
	}
	b, err := d.opts.Backups.Read(e)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.decode(b); err != nil {
		return err
	}
	// the restored content differs from the file on disk
	d.store.MarkModified()
	return nil
}

func (d *Doc) Reload(env bsmap.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Env = env
	return d.store.Reload(env)
}

// Failure records a map that could not be loaded.
type Failure struct {
	Name string
	Path string
	Err  string
}
