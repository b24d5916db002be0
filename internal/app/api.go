package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/bsedit/bsmap"
	"github.com/jmoiron/bsedit/internal/backup"
	"github.com/jmoiron/bsedit/internal/env"
	"github.com/jmoiron/bsedit/internal/icon"
	"github.com/jmoiron/bsedit/internal/schema"
	"github.com/jmoiron/bsedit/internal/thumb"
)

var (
	errNotFound = errors.New("not found")
	errRequest  = errors.New("bad request")
)

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, fs.ErrNotExist),
		errors.Is(err, backup.ErrNone), errors.Is(err, thumb.ErrNoIcon),
		errors.Is(err, icon.ErrNoState), errors.Is(err, icon.ErrNoDir):
		return http.StatusNotFound
	case errors.Is(err, bsmap.ErrDeleted):
		return http.StatusConflict
	case errors.Is(err, errRequest), errors.Is(err, bsmap.ErrCoords),
		errors.Is(err, bsmap.ErrFormat), errors.Is(err, bsmap.ErrUnknownTemplate),
		errors.Is(err, bsmap.ErrVariantType), errors.Is(err, schema.ErrInvalid),
		errors.Is(err, icon.ErrPath):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	writeError(w, true, err.Error(), statusFor(err))
}

// InstanceView is the JSON form of an instance. X and Y are null for
// instances that are not on the grid.
type InstanceView struct {
	ID              uint64           `json:"id"`
	TemplateName    string           `json:"template_name"`
	X               *float64         `json:"x"`
	Y               *float64         `json:"y"`
	VariantLeafPath []any            `json:"variant_leaf_path,omitempty"`
	InstanceVars    map[string]any   `json:"instance_vars,omitempty"`
	Appearance      *env.Sprite      `json:"appearance,omitempty"`
	Thumbnail       *bsmap.Thumbnail `json:"thumbnail,omitempty"`
	Vars            json.RawMessage  `json:"vars,omitempty"`
	Deleted         bool             `json:"deleted,omitempty"`
}

// newInstanceView copies what it needs out of inst, so the view stays
// valid after the doc lock is released.
func newInstanceView(inst *bsmap.Instance, withVars bool) InstanceView {
	v := InstanceView{
		ID:              inst.ID(),
		TemplateName:    inst.TemplateName(),
		VariantLeafPath: inst.VariantLeafPath(),
		InstanceVars:    inst.InstanceVars(),
		Thumbnail:       inst.Thumbnail(),
		Deleted:         inst.Deleted(),
	}
	if x, y, ok := inst.Pos(); ok {
		v.X, v.Y = &x, &y
	}
	if sp, ok := inst.Appearance().(*env.Sprite); ok && sp != nil {
		v.Appearance = sp.Snapshot()
	}
	if withVars {
		if b, err := json.Marshal(inst.ComputedVars()); err == nil {
			v.Vars = b
		}
	}
	return v
}

func (a *App) doc(r *http.Request) (*Doc, error) {
	name := chi.URLParam(r, "map")
	d, ok := a.WS.Doc(name)
	if !ok {
		return nil, fmt.Errorf("map %q: %w", name, errNotFound)
	}
	return d, nil
}

func instanceID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: instance id %q", errRequest, chi.URLParam(r, "id"))
	}
	return id, nil
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", errRequest, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", errRequest, err)
	}
	return nil
}

func (a *App) publish(d *Doc, s *bsmap.Store, typ, op string, id uint64) {
	a.feed.Publish(Event{Type: typ, Map: d.Name, Op: op, ID: id, Modified: s.Modified(), Count: s.Len()})
}

// apiMaps handles GET "/api/maps".
func (a *App) apiMaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"maps":     a.summaries(),
		"failures": a.WS.Failures,
	})
}

// apiMap handles GET "/api/maps/{map}" and returns every instance in draw
// order.
func (a *App) apiMap(w http.ResponseWriter, r *http.Request) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	resp := map[string]any{"name": d.Name}
	_ = d.Do(func(s *bsmap.Store) error {
		order := s.DrawOrder()
		views := make([]InstanceView, 0, len(order))
		for _, inst := range order {
			views = append(views, newInstanceView(inst, false))
		}
		resp["instances"] = views
		resp["modified"] = s.Modified()
		resp["count"] = s.Len()
		return nil
	})
	writeJSON(w, http.StatusOK, resp)
}

func parseCoord(q, key string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(q), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", bsmap.ErrCoords, key, q)
	}
	return f, nil
}

// apiTile handles GET "/api/maps/{map}/tile?x=&y=" and returns the
// instances at exactly that location, bottom first.
func (a *App) apiTile(w http.ResponseWriter, r *http.Request) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	x, err := parseCoord(r.URL.Query().Get("x"), "x")
	if err != nil {
		fail(w, err)
		return
	}
	y, err := parseCoord(r.URL.Query().Get("y"), "y")
	if err != nil {
		fail(w, err)
		return
	}
	var views []InstanceView
	_ = d.Do(func(s *bsmap.Store) error {
		for _, inst := range s.At(bsmap.Loc{X: x, Y: y}) {
			views = append(views, newInstanceView(inst, false))
		}
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]any{"x": x, "y": y, "instances": views})
}

// apiFind handles GET "/api/maps/{map}/find?q=&case=" and lists the
// instances whose template matches every query term.
func (a *App) apiFind(w http.ResponseWriter, r *http.Request) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	caseSensitive := r.URL.Query().Has("case")
	terms := splitTerms(r.URL.Query().Get("q"), caseSensitive)
	views := []InstanceView{}
	_ = d.Do(func(s *bsmap.Store) error {
		for _, inst := range s.Objects() {
			if matchInstance(inst, terms, caseSensitive) {
				views = append(views, newInstanceView(inst, false))
			}
		}
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]any{"instances": views})
}

// apiInstance handles GET "/api/maps/{map}/instances/{id}".
func (a *App) apiInstance(w http.ResponseWriter, r *http.Request) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		fail(w, err)
		return
	}
	var view InstanceView
	err = d.Do(func(s *bsmap.Store) error {
		inst, ok := s.Lookup(id)
		if !ok {
			return fmt.Errorf("instance %d: %w", id, errNotFound)
		}
		view = newInstanceView(inst, true)
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type placeRequest struct {
	TemplateName    string         `json:"template_name"`
	X               *float64       `json:"x"`
	Y               *float64       `json:"y"`
	InstanceVars    map[string]any `json:"instance_vars"`
	VariantLeafPath []any          `json:"variant_leaf_path"`
}

// apiPlace handles POST "/api/maps/{map}/instances".
func (a *App) apiPlace(w http.ResponseWriter, r *http.Request) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	var req placeRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.TemplateName == "" {
		fail(w, fmt.Errorf("%w: template_name is required", errRequest))
		return
	}
	if req.X == nil || req.Y == nil {
		fail(w, fmt.Errorf("%w: x and y are required", bsmap.ErrCoords))
		return
	}
	var view InstanceView
	err = d.Do(func(s *bsmap.Store) error {
		inst, err := s.Place(req.TemplateName, *req.X, *req.Y, req.InstanceVars, req.VariantLeafPath)
		if err != nil {
			return err
		}
		view = newInstanceView(inst, false)
		a.publish(d, s, EventChange, "place", inst.ID())
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "instance": view})
}

// edit runs fn on the instance named by the request and replies with its
// new state.
func (a *App) edit(w http.ResponseWriter, r *http.Request, op string, fn func(inst *bsmap.Instance) error) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		fail(w, err)
		return
	}
	var view InstanceView
	err = d.Do(func(s *bsmap.Store) error {
		inst, ok := s.Lookup(id)
		if !ok {
			return fmt.Errorf("instance %d: %w", id, errNotFound)
		}
		if err := fn(inst); err != nil {
			return err
		}
		view = newInstanceView(inst, false)
		a.publish(d, s, EventChange, op, id)
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instance": view})
}

// apiMove handles PUT "/api/maps/{map}/instances/{id}/pos". Null
// coordinates take the instance off the grid.
func (a *App) apiMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, fmt.Errorf("%w: %w", bsmap.ErrCoords, err))
		return
	}
	a.edit(w, r, "move", func(inst *bsmap.Instance) error {
		if err := inst.SetPos(req.X, req.Y); err != nil {
			return err
		}
		inst.FinalizeMovement()
		return nil
	})
}

// apiSetTemplate handles PUT "/api/maps/{map}/instances/{id}/template".
func (a *App) apiSetTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateName string `json:"template_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.TemplateName == "" {
		fail(w, fmt.Errorf("%w: template_name is required", errRequest))
		return
	}
	a.edit(w, r, "template", func(inst *bsmap.Instance) error {
		return inst.SetTemplate(req.TemplateName)
	})
}

// apiSetVariant handles PUT "/api/maps/{map}/instances/{id}/variant".
func (a *App) apiSetVariant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VariantLeafPath []any `json:"variant_leaf_path"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}
	a.edit(w, r, "variant", func(inst *bsmap.Instance) error {
		return inst.SetVariantLeafPath(req.VariantLeafPath)
	})
}

// apiSetVars handles PUT "/api/maps/{map}/instances/{id}/vars".
func (a *App) apiSetVars(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceVars map[string]any `json:"instance_vars"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}
	a.edit(w, r, "vars", func(inst *bsmap.Instance) error {
		return inst.SetInstanceVars(req.InstanceVars)
	})
}

// apiDelete handles DELETE "/api/maps/{map}/instances/{id}".
func (a *App) apiDelete(w http.ResponseWriter, r *http.Request) {
	a.edit(w, r, "delete", func(inst *bsmap.Instance) error {
		inst.Del()
		return nil
	})
}

// docAction runs a whole-document operation and publishes typ on success.
func (a *App) docAction(w http.ResponseWriter, r *http.Request, typ string, fn func(d *Doc) error) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	if err := fn(d); err != nil {
		a.log.Warn("map action failed", "map", d.Name, "action", typ, "error", err)
		fail(w, err)
		return
	}
	resp := map[string]any{"ok": true}
	_ = d.Do(func(s *bsmap.Store) error {
		resp["modified"], resp["count"] = s.Modified(), s.Len()
		resp["unplaced"] = s.Unplaced()
		a.publish(d, s, typ, "", 0)
		return nil
	})
	writeJSON(w, http.StatusOK, resp)
}

// apiSave handles POST "/api/maps/{map}/save".
func (a *App) apiSave(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, EventSave, (*Doc).Save)
}

// apiRevert handles POST "/api/maps/{map}/revert" and reloads the map from
// disk, dropping unsaved edits.
func (a *App) apiRevert(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, EventRevert, (*Doc).Revert)
}

// apiRestore handles POST "/api/maps/{map}/restore" and loads the newest
// backup in place of the current contents.
func (a *App) apiRestore(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, EventRevert, (*Doc).Restore)
}

// apiBackups handles GET "/api/maps/{map}/backups".
func (a *App) apiBackups(w http.ResponseWriter, r *http.Request) {
	d, err := a.doc(r)
	if err != nil {
		fail(w, err)
		return
	}
	list := []backup.Entry{}
	if a.backups != nil {
		l, err := a.backups.List(d.Name + MapExt)
		if err != nil {
			fail(w, err)
			return
		}
		list = append(list, l...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": list})
}

// apiReloadEnv handles POST "/api/env/reload". Maps that reference
// templates which disappeared are reported but stay open.
func (a *App) apiReloadEnv(w http.ResponseWriter, r *http.Request) {
	before := a.Env()
	err := a.ReloadEnv()
	after := a.Env()
	if after == before {
		// the environment itself failed to load
		fail(w, err)
		return
	}
	resp := map[string]any{"ok": true, "digest": after.Digest(), "templates": len(after.Names())}
	if err != nil {
		resp["warnings"] = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

// apiTemplates handles GET "/api/templates" and returns the object tree.
func (a *App) apiTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tree": a.Env().Tree()})
}

// apiSearch handles GET "/api/templates/search?q=&case=".
func (a *App) apiSearch(w http.ResponseWriter, r *http.Request) {
	names := a.Env().Search(r.URL.Query().Get("q"), r.URL.Query().Has("case"))
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": names})
}

// variantView is a variant axis with picker labels resolved.
type variantView struct {
	bsmap.Variant
	Labels []string `json:"labels,omitempty"`
}

// apiTemplate handles GET "/api/templates/{name}".
func (a *App) apiTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e := a.Env()
	t, ok := e.Template(name)
	if !ok {
		fail(w, fmt.Errorf("template %q: %w", name, errNotFound))
		return
	}
	variants := make([]variantView, 0, len(t.Variants))
	for _, v := range t.Variants {
		vv := variantView{Variant: v}
		if v.Label {
			for _, val := range v.Values {
				vv.Labels = append(vv.Labels, v.LabelFor(val))
			}
		}
		variants = append(variants, vv)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           name,
		"source":         e.Source(name),
		"vars":           t.Vars,
		"components":     t.Components,
		"tile_bound":     t.TileBound,
		"requires_under": t.RequiresUnder,
		"tree_paths":     t.TreePaths,
		"variants":       variants,
		"leaves":         t.VariantLeaves(),
	})
}

// apiThumbnail handles GET "/api/templates/{name}/thumbnail?leaf=". leaf
// is a JSON array variant path; without it the template defaults are used.
func (a *App) apiThumbnail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.Env().Template(name); !ok {
		fail(w, fmt.Errorf("template %q: %w", name, errNotFound))
		return
	}
	req := bsmap.ThumbnailRequest{TemplateName: name}
	if leaf := r.URL.Query().Get("leaf"); leaf != "" {
		if err := json.Unmarshal([]byte(leaf), &req.VariantLeafPath); err != nil {
			fail(w, fmt.Errorf("%w: leaf: %v", errRequest, err))
			return
		}
	}
	th, err := a.thumbs.Thumbnail(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

type stateView struct {
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	DirCount int    `json:"dir_count"`
	Duration int64  `json:"duration_ms"`
}

// apiIconStates handles GET "/api/icons/states?icon=".
func (a *App) apiIconStates(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("icon")
	if rel == "" {
		fail(w, fmt.Errorf("%w: icon is required", errRequest))
		return
	}
	ic, err := a.icons.Get(rel)
	if err != nil {
		fail(w, err)
		return
	}
	states := []stateView{}
	for _, name := range ic.Meta.States() {
		st, _ := ic.Meta.Lookup(name)
		states = append(states, stateView{
			Name:     name,
			Width:    st.Width,
			Height:   st.Height,
			DirCount: st.DirCount,
			Duration: st.Duration(2).Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"icon": rel, "states": states})
}

// apiSchema handles GET "/api/schema".
func (a *App) apiSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(schema.Source())
}
