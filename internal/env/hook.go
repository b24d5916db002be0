package env

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/jmoiron/bsedit/bsmap"
)

// scriptHook runs a component's update_map_instance script. The script
// body sees a single binding, instance, with the fields template_name, x,
// y, vars (the live computed vars) and appearance (the instance sprite).
type scriptHook struct {
	component string
	prog      *goja.Program
	timeout   time.Duration
	log       *slog.Logger
}

var errHookResult = errors.New("update_map_instance did not compile to a function")

func compileHook(component, src string, timeout time.Duration, log *slog.Logger) (*scriptHook, error) {
	if timeout <= 0 {
		timeout = hookTimeout
	}
	wrapped := "(function(instance) {\n" + src + "\n})"
	prog, err := goja.Compile(component+".update_map_instance", wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("component %q: %w", component, err)
	}
	return &scriptHook{component: component, prog: prog, timeout: timeout, log: log}, nil
}

// UpdateMapInstance runs the script. Failures are logged, never returned;
// a broken hook must not stop a map from loading.
func (h *scriptHook) UpdateMapInstance(inst *bsmap.Instance) {
	if err := h.run(inst); err != nil {
		h.log.Warn("component hook failed", "component", h.component, "template", inst.TemplateName(), "error", err)
	}
}

func (h *scriptHook) run(inst *bsmap.Instance) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	timer := time.AfterFunc(h.timeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()

	v, err := vm.RunProgram(h.prog)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return errHookResult
	}

	obj := map[string]any{
		"template_name": inst.TemplateName(),
		"x":             nil,
		"y":             nil,
		"vars":          inst.ComputedVars(),
		"appearance":    inst.Appearance(),
	}
	if x, y, ok := inst.Pos(); ok {
		obj["x"], obj["y"] = x, y
	}
	_, err = fn(goja.Undefined(), vm.ToValue(obj))
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return fmt.Errorf("timed out after %v", h.timeout)
	}
	return err
}
