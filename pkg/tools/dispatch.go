package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
)

var (
	// ErrUnknownTool is returned when a call names a tool nobody registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when a call's arguments do not satisfy
	// the tool's declared schema. The tool itself is never invoked.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Dispatcher validates and executes tool calls against a registry. A faulty
// tool (unknown name, bad arguments, panic, timeout) produces an error
// Result for the model to react to; it never aborts the turn.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher. A non-positive timeout disables the
// per-call deadline.
func NewDispatcher(registry *Registry, timeout time.Duration) *Dispatcher {
	observability.EnsureRegistered()
	return &Dispatcher{registry: registry, timeout: timeout}
}

// Dispatch executes one tool call and always returns a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "kurir.tools", "tools.dispatch",
		attribute.String("tool", call.Name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	result := d.dispatch(ctx, call)
	elapsed := time.Since(start)

	observability.RecordToolCall(call.Name, elapsed, !result.IsError)
	if result.IsError {
		logger.Warn().
			Str("tool", call.Name).
			Dur("elapsed", elapsed).
			Str("error", result.Content).
			Msg("Tool call failed")
	} else {
		logger.Debug().
			Str("tool", call.Name).
			Dur("elapsed", elapsed).
			Msg("Tool call completed")
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call) Result {
	tool, schema, ok := d.registry.Get(call.Name)
	if !ok {
		return errorResult(call.ID, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	validation, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return errorResult(call.ID, fmt.Errorf("%w: %v", ErrInvalidArguments, err))
	}
	if !validation.Valid() {
		var reasons []string
		for _, desc := range validation.Errors() {
			reasons = append(reasons, desc.String())
		}
		return errorResult(call.ID, fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(reasons, "; ")))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	content, err := d.invoke(ctx, tool, args)
	if err != nil {
		return errorResult(call.ID, err)
	}
	return Result{ToolCallID: call.ID, Content: content}
}

// invoke runs the tool with panic containment. A panicking tool is reported
// as a failed call, not a crashed process.
func (d *Dispatcher) invoke(ctx context.Context, tool Tool, args map[string]interface{}) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("tool", tool.Name()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool panicked")
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Invoke(ctx, args)
}

func errorResult(callID string, err error) Result {
	return Result{ToolCallID: callID, Content: err.Error(), IsError: true}
}
