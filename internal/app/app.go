package app

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-sprout/sprout"
	"github.com/go-sprout/sprout/registry/std"
	"github.com/jmoiron/bsedit/bsmap"
	"github.com/jmoiron/bsedit/internal/app/varfmt"
	"github.com/jmoiron/bsedit/internal/backup"
	"github.com/jmoiron/bsedit/internal/config"
	"github.com/jmoiron/bsedit/internal/env"
	"github.com/jmoiron/bsedit/internal/icon"
	"github.com/jmoiron/bsedit/internal/thumb"
)

// Options configure New.
type Options struct {
	// MapDir holds the .bsmap files to edit.
	MapDir string
	// EnvDir holds templates, components and icons; relative paths in
	// Config are already resolved against it.
	EnvDir  string
	Config  config.Config
	Verbose int
	Log     *slog.Logger
}

type App struct {
	MapDir  string
	EnvDir  string
	Verbose int
	WS      *Workspace

	cfg     config.Config
	log     *slog.Logger
	icons   *icon.Library
	thumbs  *thumb.Service
	cache   *thumb.Cache
	backups *backup.Store
	feed    *Feed
	tpl     *template.Template

	// mu guards env; reload holds it for writing
	mu  sync.RWMutex
	env *env.Env
}

//go:embed templates/*.gohtml static/*
var templatesFS embed.FS

func New(opts Options) (*App, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	cfg := opts.Config
	a := &App{
		MapDir:  opts.MapDir,
		EnvDir:  opts.EnvDir,
		Verbose: opts.Verbose,
		cfg:     cfg,
		log:     opts.Log,
		feed:    NewFeed(opts.Log),
	}

	e, err := env.Load(cfg, a.log)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	a.env = e

	a.icons = icon.NewLibrary(cfg.Icons)
	if cfg.Thumbnail.Cache != "" {
		// a broken cache only costs render time
		c, err := thumb.OpenCache(cfg.Thumbnail.Cache)
		if err != nil {
			a.log.Warn("thumbnail cache disabled", "path", cfg.Thumbnail.Cache, "error", err)
		} else {
			a.cache = c
			a.pruneCache(e.Digest())
		}
	}
	a.thumbs = thumb.New(e, a.icons, cfg.Thumbnail.Size, a.cache, a.log)
	if cfg.Backup.Dir != "" {
		a.backups = backup.New(cfg.Backup.Dir, cfg.Backup.Keep)
	}

	a.WS, err = NewWorkspace(opts.MapDir, DocOptions{
		Env:      e,
		Thumbs:   a.thumbs,
		Log:      a.log,
		MaxDepth: cfg.MaxCascadeDepth,
		Strict:   cfg.Strict,
		Backups:  a.backups,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	// Load templates from embedded FS
	sub, _ := fs.Sub(templatesFS, "templates")
	sh := sprout.New()
	if err := sh.AddRegistry(std.NewRegistry()); err != nil {
		a.Close()
		return nil, err
	}
	funcs := sh.Build()
	funcs["eq"] = func(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) }
	funcs["add"] = func(a, b int) int { return a + b }
	funcs["vars"] = func(v any) template.HTML { return varfmt.Format(v) }
	funcs["inline"] = varfmt.Inline
	funcs["coord"] = func(f float64) string { return varfmt.Inline(f) }
	funcs["dataurl"] = func(s string) template.URL {
		// only previews rendered by the thumbnail service
		if strings.HasPrefix(s, "data:image/png;base64,") {
			return template.URL(s)
		}
		return ""
	}
	tpl, err := template.New("base").Funcs(funcs).ParseFS(sub, "*.gohtml")
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tpl = tpl
	return a, nil
}

// Close releases the thumbnail cache.
func (a *App) Close() error {
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}

// Env returns the current environment.
func (a *App) Env() *env.Env {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.env
}

func (a *App) pruneCache(digest string) {
	n, err := a.cache.Prune(context.Background(), digest)
	if err != nil {
		a.log.Warn("pruning thumbnail cache", "error", err)
		return
	}
	if n > 0 {
		a.log.Debug("pruned stale thumbnails", "count", n)
	}
}

// ReloadEnv reads the environment again and re-resolves every open map
// against it. The previous environment stays in place when loading fails.
func (a *App) ReloadEnv() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := env.Load(a.cfg, a.log)
	if err != nil {
		return err
	}
	a.env = e
	a.thumbs.SetSource(e)
	if a.cache != nil {
		a.pruneCache(e.Digest())
	}
	rerr := a.WS.Reload(e)
	for _, d := range a.WS.Docs {
		ev := Event{Type: EventReload, Map: d.Name}
		_ = d.Do(func(s *bsmap.Store) error {
			ev.Modified, ev.Count = s.Modified(), s.Len()
			return nil
		})
		a.feed.Publish(ev)
	}
	if rerr != nil {
		a.log.Warn("maps reference templates missing after reload", "error", rerr)
	}
	return rerr
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if a.Verbose > 0 {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Static assets
	mime.AddExtensionType(".css", "text/css")
	staticFS, _ := fs.Sub(templatesFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	r.Get("/", a.index)
	r.Get("/map/{map}", a.mapDetail)
	r.Get("/map/{map}/raw", a.mapRaw)
	r.Get("/errors", a.errors)
	r.Get("/ws/map/{map}", a.mapFeed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/maps", a.apiMaps)
		r.Route("/maps/{map}", func(r chi.Router) {
			r.Get("/", a.apiMap)
			r.Get("/tile", a.apiTile)
			r.Get("/find", a.apiFind)
			r.Post("/instances", a.apiPlace)
			r.Get("/instances/{id}", a.apiInstance)
			r.Put("/instances/{id}/pos", a.apiMove)
			r.Put("/instances/{id}/template", a.apiSetTemplate)
			r.Put("/instances/{id}/variant", a.apiSetVariant)
			r.Put("/instances/{id}/vars", a.apiSetVars)
			r.Delete("/instances/{id}", a.apiDelete)
			r.Post("/save", a.apiSave)
			r.Post("/revert", a.apiRevert)
			r.Post("/restore", a.apiRestore)
			r.Get("/backups", a.apiBackups)
		})
		r.Post("/env/reload", a.apiReloadEnv)
		r.Get("/templates", a.apiTemplates)
		r.Get("/templates/search", a.apiSearch)
		r.Get("/templates/{name}", a.apiTemplate)
		r.Get("/templates/{name}/thumbnail", a.apiThumbnail)
		r.Get("/icons/states", a.apiIconStates)
		r.Get("/schema", a.apiSchema)
	})

	return r
}

func (a *App) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.tpl.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// mapSummary is a sidebar entry.
type mapSummary struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	Modified bool   `json:"modified"`
}

func (a *App) summaries() []mapSummary {
	out := make([]mapSummary, 0, len(a.WS.Docs))
	for _, d := range a.WS.Docs {
		ms := mapSummary{Name: d.Name}
		_ = d.Do(func(s *bsmap.Store) error {
			ms.Count, ms.Modified = s.Len(), s.Modified()
			return nil
		})
		out = append(out, ms)
	}
	return out
}

// baseData returns common template data to keep the sidebar consistent.
func (a *App) baseData(r *http.Request, title string) map[string]any {
	// Dark mode detection precedence:
	// 1) Explicit query param ?dark=true forces dark for this render
	// 2) Fallback to cookie set by client toggle
	themeDark := false
	if v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("dark"))); v != "" {
		if v == "1" || v == "true" || v == "t" || v == "yes" || v == "on" {
			themeDark = true
		}
	} else if c, err := r.Cookie("theme"); err == nil && c != nil && c.Value == "dark" {
		themeDark = true
	}
	return map[string]any{
		"Maps":        a.summaries(),
		"Title":       title,
		"Parsed":      len(a.WS.Docs),
		"Failed":      len(a.WS.Failures),
		"HasFailures": len(a.WS.Failures) > 0,
		"ThemeDark":   themeDark,
		"Digest":      shortDigest(a.Env().Digest()),
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// index handles GET "/".
func (a *App) index(w http.ResponseWriter, r *http.Request) {
	data := a.baseData(r, "bsedit")
	data["Tree"] = a.Env().Tree()
	a.render(w, "index.gohtml", data)
}

// tileView is one cell of the map table.
type tileView struct {
	X, Y      float64
	Instances []InstanceView
}

// mapDetail handles GET "/map/{map}" and lays the map out as a table of
// tiles, instances listed bottom to top.
func (a *App) mapDetail(w http.ResponseWriter, r *http.Request) {
	d, ok := a.WS.Doc(chi.URLParam(r, "map"))
	if !ok {
		writeError(w, isAjax(r), "map not found", http.StatusNotFound)
		return
	}
	data := a.baseData(r, d.Name)
	data["SelectedMap"] = d.Name

	var rows [][]tileView
	var unplaced []InstanceView
	_ = d.Do(func(s *bsmap.Store) error {
		tiles := s.Tiles()
		if len(tiles) > 0 {
			minX, minY := math.Inf(1), math.Inf(1)
			maxX, maxY := math.Inf(-1), math.Inf(-1)
			for _, l := range tiles {
				minX, maxX = math.Min(minX, math.Floor(l.X)), math.Max(maxX, math.Floor(l.X))
				minY, maxY = math.Min(minY, math.Floor(l.Y)), math.Max(maxY, math.Floor(l.Y))
			}
			// whole tiles only; instances off the grid line are folded
			// into the tile they overlap
			cells := make(map[bsmap.Loc][]InstanceView)
			for _, l := range tiles {
				k := bsmap.Loc{X: math.Floor(l.X), Y: math.Floor(l.Y)}
				for _, inst := range s.At(l) {
					cells[k] = append(cells[k], newInstanceView(inst, false))
				}
			}
			// rows top to bottom, y grows upward
			for y := maxY; y >= minY && len(rows) < maxRows; y-- {
				var row []tileView
				for x := minX; x <= maxX && len(row) < maxCols; x++ {
					k := bsmap.Loc{X: x, Y: y}
					row = append(row, tileView{X: x, Y: y, Instances: cells[k]})
				}
				rows = append(rows, row)
			}
		}
		for _, inst := range s.Objects() {
			if !inst.Placed() {
				unplaced = append(unplaced, newInstanceView(inst, false))
			}
		}
		data["Modified"] = s.Modified()
		data["Count"] = s.Len()
		return nil
	})
	data["Rows"] = rows
	data["Unplaced"] = unplaced
	a.render(w, "map.gohtml", data)
}

// table views are capped to keep huge maps renderable
const (
	maxRows = 200
	maxCols = 200
)

// mapRaw handles GET "/map/{map}/raw" and shows the document the map
// would be saved as.
func (a *App) mapRaw(w http.ResponseWriter, r *http.Request) {
	d, ok := a.WS.Doc(chi.URLParam(r, "map"))
	if !ok {
		writeError(w, isAjax(r), "map not found", http.StatusNotFound)
		return
	}
	data := a.baseData(r, "Raw: "+d.Name)
	data["SelectedMap"] = d.Name
	err := d.Do(func(s *bsmap.Store) error {
		b, err := s.Encode()
		if err != nil {
			return err
		}
		data["Raw"] = string(b)
		return nil
	})
	if err != nil {
		data["Raw"] = fmt.Sprintf("(error encoding %s: %v)", d.Name, err)
	}
	a.render(w, "map_raw.gohtml", data)
}

// errors handles GET "/errors".
func (a *App) errors(w http.ResponseWriter, r *http.Request) {
	data := a.baseData(r, "Errors")
	data["Failures"] = a.WS.Failures
	a.render(w, "errors.gohtml", data)
}

// mapFeed handles GET "/ws/map/{map}".
func (a *App) mapFeed(w http.ResponseWriter, r *http.Request) {
	d, ok := a.WS.Doc(chi.URLParam(r, "map"))
	if !ok {
		writeError(w, isAjax(r), "map not found", http.StatusNotFound)
		return
	}
	hello := Event{Type: EventHello, Map: d.Name}
	_ = d.Do(func(s *bsmap.Store) error {
		hello.Modified, hello.Count = s.Modified(), s.Len()
		return nil
	})
	a.feed.Serve(w, r, d.Name, hello)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, isAjax bool, msg string, code int) {
	if isAjax {
		writeJSON(w, code, map[string]any{"ok": false, "error": msg})
		return
	}
	http.Error(w, msg, code)
}

func isAjax(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest" || strings.Contains(r.Header.Get("Accept"), "application/json")
}
