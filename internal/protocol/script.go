package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/model"
	"github.com/loadgrid/loadgrid/internal/script"
)

// ScriptHandler runs script steps against the test's script registry.
type ScriptHandler struct {
	Registry *script.Registry
	Log      logrus.FieldLogger
}

// Execute implements Handler.
func (h *ScriptHandler) Execute(ctx context.Context, step *config.Step, vc *model.VUContext, r *model.Result) error {
	ss := step.Script
	if ss == nil {
		return fmt.Errorf("script step %q has no payload", step.Name)
	}

	timeout := script.DefaultTimeout
	if ss.Timeout != "" {
		if d, err := clock.Parse(ss.Timeout); err == nil {
			timeout = d
		}
	}

	hc := &script.HookContext{
		VUID:          vc.VUID,
		Iteration:     vc.Iteration,
		StepName:      step.Name,
		Variables:     vc.Variables,
		ExtractedData: vc.ExtractedData,
		Args:          ss.Args,
		Log:           h.Log,
	}

	start := time.Now()
	err := h.Registry.Run(ctx, ss.Name, hc, timeout)
	r.Duration = time.Since(start).Milliseconds()
	r.ResponseTime = r.Duration

	if err != nil {
		r.SetError("script_error", err.Error())
		return nil
	}
	r.Success = true
	return nil
}

// CustomHandler runs custom steps: named actions registered in the
// same registry, addressed by action instead of script name.
type CustomHandler struct {
	Registry *script.Registry
	Log      logrus.FieldLogger
}

// Execute implements Handler.
func (h *CustomHandler) Execute(ctx context.Context, step *config.Step, vc *model.VUContext, r *model.Result) error {
	cs := step.Custom
	if cs == nil {
		return fmt.Errorf("custom step %q has no payload", step.Name)
	}

	hc := &script.HookContext{
		VUID:          vc.VUID,
		Iteration:     vc.Iteration,
		StepName:      step.Name,
		Variables:     vc.Variables,
		ExtractedData: vc.ExtractedData,
		Args:          cs.Args,
		Log:           h.Log,
	}

	start := time.Now()
	err := h.Registry.Run(ctx, cs.Action, hc, script.DefaultTimeout)
	r.Duration = time.Since(start).Milliseconds()
	r.ResponseTime = r.Duration
	r.Action = cs.Action

	if err != nil {
		r.SetError("custom_error", err.Error())
		return nil
	}
	r.Success = true
	return nil
}
