package app

import (
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/bsedit/internal/config"
)

const testTemplates = `floor:
  vars:
    layer: 0
    name: floor
    icon: turf.png
    icon_state: floor
  components: [Floor]
  tile_bound: true
  tree_paths: ["turf/[name]"]
table:
  vars: {layer: 2, name: table}
  requires_under: {component: Floor, default: floor}
  tree_paths: ["structures/[name]"]
wall:
  vars: {layer: 1, name: wall}
  tree_paths: ["structures/[name]"]
pipe:
  vars: {layer: 2, name: pipe}
  variants:
    - type: single
      var_path: dir
      values: [1, 2, 4, 8]
      label: true
      label_prefix: "dir "
`

const testComponents = `Floor:
  one_per_tile: true
`

const turfMeta = `{"floor": {"width": 32, "height": 32, "dirCount": 1, "dirs": {"2": {"frames": [{"x": 0, "y": 0, "delay": 0}]}}}}`

const stationMap = `{"locs": {
	"0,0,0": [{"template_name": "floor", "x": 0, "y": 0}],
	"1,0,0": [{"template_name": "floor", "x": 1, "y": 0}, {"template_name": "table", "x": 1, "y": 0}]
}}`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeIcon(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{90, 90, 100, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

type testApp struct {
	*App
	envDir string
	mapDir string
	h      http.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	envDir, mapDir := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(envDir, "templates", "base.yaml"), testTemplates)
	writeFile(t, filepath.Join(envDir, "components.yaml"), testComponents)
	writeFile(t, filepath.Join(envDir, "icons", "turf.png.json"), turfMeta)
	writeIcon(t, filepath.Join(envDir, "icons", "turf.png"))
	writeFile(t, filepath.Join(mapDir, "station.bsmap"), stationMap)
	writeFile(t, filepath.Join(mapDir, "broken.bsmap"), `{"locs": [`)
	writeFile(t, filepath.Join(mapDir, "notes.txt"), "not a map")

	cfg := config.Default()
	cfg.Resolve(envDir)
	cfg.Backup.Dir = filepath.Join(t.TempDir(), "backups")

	a, err := New(Options{MapDir: mapDir, EnvDir: envDir, Config: cfg, Log: quiet()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return &testApp{App: a, envDir: envDir, mapDir: mapDir, h: a.Router()}
}

func (ta *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	ta.h.ServeHTTP(rec, req)
	return rec
}

func (ta *testApp) call(t *testing.T, method, path, body string, code int, v any) {
	t.Helper()
	rec := ta.do(t, method, path, body)
	if rec.Code != code {
		t.Fatalf("%s %s: got %d, want %d: %s", method, path, rec.Code, code, rec.Body.String())
	}
	if v != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("%s %s: decode: %v: %s", method, path, err, rec.Body.String())
		}
	}
}

type mapResp struct {
	Name      string         `json:"name"`
	Modified  bool           `json:"modified"`
	Count     int            `json:"count"`
	Instances []InstanceView `json:"instances"`
}

type editResp struct {
	OK       bool         `json:"ok"`
	Instance InstanceView `json:"instance"`
}

func templates(views []InstanceView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.TemplateName
	}
	return out
}

func (ta *testApp) state(t *testing.T) mapResp {
	t.Helper()
	var m mapResp
	ta.call(t, "GET", "/api/maps/station", "", http.StatusOK, &m)
	return m
}

func TestWorkspaceScan(t *testing.T) {
	ta := newTestApp(t)
	if len(ta.WS.Docs) != 1 || ta.WS.Docs[0].Name != "station" {
		t.Fatalf("docs: %+v", ta.WS.Docs)
	}
	if len(ta.WS.Failures) != 1 || ta.WS.Failures[0].Name != "broken" {
		t.Fatalf("failures: %+v", ta.WS.Failures)
	}
	var resp struct {
		Maps     []mapSummary `json:"maps"`
		Failures []Failure    `json:"failures"`
	}
	ta.call(t, "GET", "/api/maps", "", http.StatusOK, &resp)
	if len(resp.Maps) != 1 || resp.Maps[0].Count != 3 || resp.Maps[0].Modified {
		t.Fatalf("maps: %+v", resp.Maps)
	}
}

func TestPages(t *testing.T) {
	ta := newTestApp(t)
	cases := []struct {
		path string
		code int
		want string
	}{
		{"/", http.StatusOK, "structures"},
		{"/map/station", http.StatusOK, `data-map="station"`},
		{"/map/station/raw", http.StatusOK, "template_name"},
		{"/errors", http.StatusOK, "broken"},
		{"/map/nope", http.StatusNotFound, ""},
		{"/static/app.css", http.StatusOK, "--accent"},
	}
	for _, c := range cases {
		rec := ta.do(t, "GET", c.path, "")
		if rec.Code != c.code {
			t.Errorf("GET %s: got %d, want %d", c.path, rec.Code, c.code)
			continue
		}
		if c.want != "" && !strings.Contains(rec.Body.String(), c.want) {
			t.Errorf("GET %s: missing %q", c.path, c.want)
		}
	}
}

func TestMapState(t *testing.T) {
	ta := newTestApp(t)
	m := ta.state(t)
	if m.Count != 3 || m.Modified {
		t.Fatalf("state: %+v", m)
	}
	if got := strings.Join(templates(m.Instances), ","); got != "floor,floor,table" {
		t.Fatalf("draw order: %s", got)
	}
	for _, v := range m.Instances {
		if v.X == nil || v.Appearance == nil {
			t.Fatalf("instance missing position or appearance: %+v", v)
		}
	}

	var tile struct {
		Instances []InstanceView `json:"instances"`
	}
	ta.call(t, "GET", "/api/maps/station/tile?x=1&y=0", "", http.StatusOK, &tile)
	if got := strings.Join(templates(tile.Instances), ","); got != "floor,table" {
		t.Fatalf("tile: %s", got)
	}
	ta.call(t, "GET", "/api/maps/station/tile?x=a&y=0", "", http.StatusBadRequest, nil)
	ta.call(t, "GET", "/api/maps/nope", "", http.StatusNotFound, nil)

	var found struct {
		Instances []InstanceView `json:"instances"`
	}
	ta.call(t, "GET", "/api/maps/station/find?q=TAB", "", http.StatusOK, &found)
	if len(found.Instances) != 1 || found.Instances[0].TemplateName != "table" {
		t.Fatalf("find: %+v", found.Instances)
	}
	ta.call(t, "GET", "/api/maps/station/find?q=TAB&case", "", http.StatusOK, &found)
	if len(found.Instances) != 0 {
		t.Fatalf("case sensitive find: %+v", found.Instances)
	}
}

func TestPlaceMoveDelete(t *testing.T) {
	ta := newTestApp(t)

	// a table on an empty tile brings its own floor
	var placed editResp
	ta.call(t, "POST", "/api/maps/station/instances", `{"template_name": "table", "x": 5, "y": 5}`, http.StatusCreated, &placed)
	if placed.Instance.TemplateName != "table" || *placed.Instance.X != 5 {
		t.Fatalf("placed: %+v", placed.Instance)
	}
	m := ta.state(t)
	if m.Count != 5 || !m.Modified {
		t.Fatalf("after place: count=%d modified=%v", m.Count, m.Modified)
	}
	var tile struct {
		Instances []InstanceView `json:"instances"`
	}
	ta.call(t, "GET", "/api/maps/station/tile?x=5&y=5", "", http.StatusOK, &tile)
	if got := strings.Join(templates(tile.Instances), ","); got != "floor,table" {
		t.Fatalf("tile 5,5: %s", got)
	}

	id := placed.Instance.ID
	base := "/api/maps/station/instances/" + itoa(id)
	var moved editResp
	ta.call(t, "PUT", base+"/pos", `{"x": 0, "y": 0}`, http.StatusOK, &moved)
	if *moved.Instance.X != 0 || *moved.Instance.Y != 0 {
		t.Fatalf("moved: %+v", moved.Instance)
	}
	ta.call(t, "GET", "/api/maps/station/tile?x=0&y=0", "", http.StatusOK, &tile)
	if got := strings.Join(templates(tile.Instances), ","); got != "floor,table" {
		t.Fatalf("tile 0,0: %s", got)
	}

	ta.call(t, "PUT", base+"/pos", `{"x": 1}`, http.StatusBadRequest, nil)
	ta.call(t, "PUT", base+"/pos", `{"x": "a", "y": 1}`, http.StatusBadRequest, nil)
	ta.call(t, "PUT", base+"/pos", `{"x": null, "y": null}`, http.StatusOK, &moved)
	if moved.Instance.X != nil || moved.Instance.Y != nil {
		t.Fatalf("unplaced instance should have null coordinates: %+v", moved.Instance)
	}
	var saved struct {
		Modified bool `json:"modified"`
		Unplaced int  `json:"unplaced"`
	}
	ta.call(t, "POST", "/api/maps/station/save", "", http.StatusOK, &saved)
	if saved.Modified || saved.Unplaced != 1 {
		t.Fatalf("save with an unplaced instance: %+v", saved)
	}

	var deleted editResp
	ta.call(t, "DELETE", base, "", http.StatusOK, &deleted)
	if !deleted.Instance.Deleted {
		t.Fatalf("deleted: %+v", deleted.Instance)
	}
	ta.call(t, "DELETE", base, "", http.StatusNotFound, nil)
	ta.call(t, "GET", base, "", http.StatusNotFound, nil)
	ta.call(t, "GET", "/api/maps/station/instances/abc", "", http.StatusBadRequest, nil)
	if m := ta.state(t); m.Count != 4 {
		t.Fatalf("count after delete: %d", m.Count)
	}

	ta.call(t, "POST", "/api/maps/station/instances", `{"template_name": "nope", "x": 1, "y": 1}`, http.StatusBadRequest, nil)
	ta.call(t, "POST", "/api/maps/station/instances", `{"template_name": "wall"}`, http.StatusBadRequest, nil)
	ta.call(t, "POST", "/api/maps/station/instances", `{`, http.StatusBadRequest, nil)
}

func itoa(id uint64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestEditInstance(t *testing.T) {
	ta := newTestApp(t)
	var placed editResp
	ta.call(t, "POST", "/api/maps/station/instances", `{"template_name": "pipe", "x": 6, "y": 6, "variant_leaf_path": [4]}`, http.StatusCreated, &placed)
	if got := placed.Instance.VariantLeafPath; len(got) != 1 || got[0] != 4.0 {
		t.Fatalf("leaf path: %v", got)
	}
	base := "/api/maps/station/instances/" + itoa(placed.Instance.ID)

	var ed editResp
	ta.call(t, "PUT", base+"/variant", `{"variant_leaf_path": ["bogus"]}`, http.StatusOK, &ed)
	if got := ed.Instance.VariantLeafPath; len(got) != 1 || got[0] != 1.0 {
		t.Fatalf("illegal values fall back to the first: %v", got)
	}

	ta.call(t, "PUT", base+"/vars", `{"instance_vars": {"name": "fancy pipe"}}`, http.StatusOK, &ed)
	if ed.Instance.InstanceVars["name"] != "fancy pipe" {
		t.Fatalf("instance vars: %v", ed.Instance.InstanceVars)
	}
	var full InstanceView
	ta.call(t, "GET", base, "", http.StatusOK, &full)
	var vars map[string]any
	if err := json.Unmarshal(full.Vars, &vars); err != nil {
		t.Fatalf("vars: %v", err)
	}
	if vars["name"] != "fancy pipe" || vars["dir"] != 1.0 {
		t.Fatalf("computed vars: %v", vars)
	}
	if full.Appearance == nil || full.Appearance.Name != "fancy pipe" {
		t.Fatalf("appearance: %+v", full.Appearance)
	}

	ta.call(t, "PUT", base+"/template", `{"template_name": "wall"}`, http.StatusOK, &ed)
	if ed.Instance.TemplateName != "wall" || ed.Instance.VariantLeafPath != nil {
		t.Fatalf("set template: %+v", ed.Instance)
	}
	ta.call(t, "PUT", base+"/template", `{"template_name": "nope"}`, http.StatusBadRequest, nil)
	ta.call(t, "PUT", base+"/template", `{}`, http.StatusBadRequest, nil)
}

func TestSaveRevertRestore(t *testing.T) {
	ta := newTestApp(t)
	path := filepath.Join(ta.mapDir, "station.bsmap")

	ta.call(t, "POST", "/api/maps/station/restore", "", http.StatusNotFound, nil)

	ta.call(t, "POST", "/api/maps/station/instances", `{"template_name": "wall", "x": 2, "y": 2}`, http.StatusCreated, nil)
	var saved struct {
		OK       bool `json:"ok"`
		Modified bool `json:"modified"`
		Count    int  `json:"count"`
	}
	ta.call(t, "POST", "/api/maps/station/save", "", http.StatusOK, &saved)
	if !saved.OK || saved.Modified || saved.Count != 4 {
		t.Fatalf("save: %+v", saved)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"2,2,0"`) || !strings.Contains(string(b), "\t") {
		t.Fatalf("saved file:\n%s", b)
	}

	var backups struct {
		Backups []struct {
			Map  string `json:"map"`
			Size int64  `json:"size"`
		} `json:"backups"`
	}
	ta.call(t, "GET", "/api/maps/station/backups", "", http.StatusOK, &backups)
	if len(backups.Backups) != 1 || backups.Backups[0].Map != "station.bsmap" {
		t.Fatalf("backups: %+v", backups)
	}

	ta.call(t, "POST", "/api/maps/station/instances", `{"template_name": "wall", "x": 4, "y": 4}`, http.StatusCreated, nil)
	ta.call(t, "POST", "/api/maps/station/revert", "", http.StatusOK, nil)
	if m := ta.state(t); m.Count != 4 || m.Modified {
		t.Fatalf("after revert: %+v", m)
	}

	ta.call(t, "POST", "/api/maps/station/restore", "", http.StatusOK, nil)
	if m := ta.state(t); m.Count != 3 || !m.Modified {
		t.Fatalf("after restore: count=%d modified=%v", m.Count, m.Modified)
	}
	// restoring leaves the file alone until the next save
	if b2, _ := os.ReadFile(path); string(b2) != string(b) {
		t.Fatalf("restore rewrote the file")
	}
}

func TestTemplatesAPI(t *testing.T) {
	ta := newTestApp(t)

	var tree struct {
		Tree []struct {
			Name     string `json:"name"`
			Children []struct {
				Name     string `json:"name"`
				Template string `json:"template"`
			} `json:"children"`
		} `json:"tree"`
	}
	ta.call(t, "GET", "/api/templates", "", http.StatusOK, &tree)
	var top []string
	for _, n := range tree.Tree {
		top = append(top, n.Name)
	}
	if strings.Join(top, ",") != "structures,turf,uncategorized" {
		t.Fatalf("tree roots: %v", top)
	}

	var search struct {
		Templates []string `json:"templates"`
	}
	ta.call(t, "GET", "/api/templates/search?q=STRUCT", "", http.StatusOK, &search)
	if strings.Join(search.Templates, ",") != "table,wall" {
		t.Fatalf("search: %v", search.Templates)
	}

	var pipe struct {
		Name     string  `json:"name"`
		Leaves   [][]any `json:"leaves"`
		Variants []struct {
			Values []any    `json:"values"`
			Labels []string `json:"labels"`
		} `json:"variants"`
	}
	ta.call(t, "GET", "/api/templates/pipe", "", http.StatusOK, &pipe)
	if len(pipe.Leaves) != 4 || len(pipe.Variants) != 1 || pipe.Variants[0].Labels[2] != "dir 4" {
		t.Fatalf("pipe: %+v", pipe)
	}
	ta.call(t, "GET", "/api/templates/nope", "", http.StatusNotFound, nil)

	var th struct {
		Width int    `json:"width"`
		Data  string `json:"data"`
	}
	ta.call(t, "GET", "/api/templates/floor/thumbnail", "", http.StatusOK, &th)
	if th.Width != 32 || !strings.HasPrefix(th.Data, "data:image/png;base64,") {
		t.Fatalf("thumbnail: %d %.40s", th.Width, th.Data)
	}
	ta.call(t, "GET", "/api/templates/wall/thumbnail", "", http.StatusNotFound, nil)
	ta.call(t, "GET", "/api/templates/nope/thumbnail", "", http.StatusNotFound, nil)
	ta.call(t, "GET", "/api/templates/pipe/thumbnail?leaf=[", "", http.StatusBadRequest, nil)

	var states struct {
		States []stateView `json:"states"`
	}
	ta.call(t, "GET", "/api/icons/states?icon=turf.png", "", http.StatusOK, &states)
	if len(states.States) != 1 || states.States[0].Name != "floor" || states.States[0].Width != 32 {
		t.Fatalf("states: %+v", states.States)
	}
	ta.call(t, "GET", "/api/icons/states?icon=../turf.png", "", http.StatusBadRequest, nil)
	ta.call(t, "GET", "/api/icons/states?icon=missing.png", "", http.StatusNotFound, nil)

	rec := ta.do(t, "GET", "/api/schema", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"locs"`) {
		t.Fatalf("schema: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReloadEnv(t *testing.T) {
	ta := newTestApp(t)
	digest := ta.Env().Digest()

	writeFile(t, filepath.Join(ta.envDir, "templates", "extra.yaml"), "crate:\n  vars: {layer: 2, name: crate}\n")
	var resp struct {
		OK        bool   `json:"ok"`
		Digest    string `json:"digest"`
		Templates int    `json:"templates"`
	}
	ta.call(t, "POST", "/api/env/reload", "", http.StatusOK, &resp)
	if !resp.OK || resp.Templates != 5 || resp.Digest == digest {
		t.Fatalf("reload: %+v", resp)
	}
	var search struct {
		Templates []string `json:"templates"`
	}
	ta.call(t, "GET", "/api/templates/search?q=crat", "", http.StatusOK, &search)
	if strings.Join(search.Templates, ",") != "crate" {
		t.Fatalf("search after reload: %v", search.Templates)
	}
	if m := ta.state(t); m.Count != 3 {
		t.Fatalf("maps should survive a reload: %+v", m)
	}

	// a broken environment keeps the previous one
	writeFile(t, filepath.Join(ta.envDir, "templates", "extra.yaml"), "crate: [")
	rec := ta.do(t, "POST", "/api/env/reload", "")
	if rec.Code == http.StatusOK {
		t.Fatalf("broken env reloaded: %s", rec.Body.String())
	}
	if ta.Env().Digest() != resp.Digest {
		t.Fatalf("environment replaced by a broken one")
	}
}

func TestFeed(t *testing.T) {
	ta := newTestApp(t)
	srv := httptest.NewServer(ta.h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/map/station"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() Event {
		t.Helper()
		var ev Event
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return ev
	}
	if ev := read(); ev.Type != EventHello || ev.Map != "station" || ev.Count != 3 {
		t.Fatalf("hello: %+v", ev)
	}

	resp, err := http.Post(srv.URL+"/api/maps/station/instances", "application/json",
		strings.NewReader(`{"template_name": "wall", "x": 3, "y": 3}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	ev := read()
	if ev.Type != EventChange || ev.Op != "place" || ev.Count != 4 || !ev.Modified || ev.ID == 0 {
		t.Fatalf("place event: %+v", ev)
	}

	resp, err = http.Post(srv.URL+"/api/maps/station/save", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ev := read(); ev.Type != EventSave || ev.Modified {
		t.Fatalf("save event: %+v", ev)
	}

	if rec := ta.do(t, "GET", "/ws/map/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("feed for unknown map: %d", rec.Code)
	}
}

func TestFeedDropsSlowSubscribers(t *testing.T) {
	f := NewFeed(quiet())
	ch, cancel := f.Subscribe("m")
	defer cancel()
	for i := 0; i < feedQueue+1; i++ {
		f.Publish(Event{Type: EventChange, Map: "m"})
	}
	if f.Subscribers("m") != 0 {
		t.Fatalf("slow subscriber kept")
	}
	n := 0
	for range ch {
		n++
	}
	if n != feedQueue {
		t.Fatalf("drained %d events, want %d", n, feedQueue)
	}
	f.Publish(Event{Type: EventChange, Map: "other"})
}

func TestFeedKeepsIdleClients(t *testing.T) {
	f := NewFeed(quiet())
	f.pongWait = 300 * time.Millisecond
	f.pingPeriod = 100 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.Serve(w, r, "m", Event{Type: EventHello, Map: "m"})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// pings are only answered while a read is pending
	events := make(chan Event, 4)
	go func() {
		defer close(events)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()
	if ev := <-events; ev.Type != EventHello {
		t.Fatalf("hello: %+v", ev)
	}

	time.Sleep(4 * f.pongWait)
	if n := f.Subscribers("m"); n != 1 {
		t.Fatalf("subscribers after idling: %d", n)
	}
	f.Publish(Event{Type: EventSave, Map: "m"})
	select {
	case ev, ok := <-events:
		if !ok || ev.Type != EventSave {
			t.Fatalf("after idling got %+v (open %v)", ev, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event after idling")
	}
}
