// Package protocol defines the uniform handler contract that executes
// one step variant, plus the concrete REST, script and custom handlers.
// Handlers are the sole owners of protocol-specific connection state.
package protocol

import (
	"context"
	"fmt"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/model"
)

// Handler executes one step variant against a VU context, populating
// the result's success, status, duration and observability fields.
// A returned error means the handler could not even attempt the
// action; the step executor converts it into a failed result.
type Handler interface {
	Execute(ctx context.Context, step *config.Step, vc *model.VUContext, r *model.Result) error
}

// ErrUnsupported marks step variants whose handler is provided by an
// external integration (browser automation, SOAP clients).
type ErrUnsupported struct {
	Variant string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("no %s handler is configured", e.Variant)
}

// UnsupportedHandler rejects every step with ErrUnsupported. It stands
// in for the opaque web/soap protocol-handler contracts when no
// integration is registered.
type UnsupportedHandler struct {
	Variant string
}

// Execute implements Handler.
func (h *UnsupportedHandler) Execute(ctx context.Context, step *config.Step, vc *model.VUContext, r *model.Result) error {
	return &ErrUnsupported{Variant: h.Variant}
}
