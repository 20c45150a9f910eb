package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/codeagent/internal/util"
	"github.com/hupe1980/codeagent/model"
)

// FunctionTool exposes a plain Go function as a tool.
//
// Arguments are decoded from the call's JSON input and validated against the
// declared schema before fn runs. Errors are normalised to *ToolError:
//
//	validation failure -> Code VALIDATION_ERROR
//	other fn error     -> Code EXECUTION_ERROR
//	*ToolError from fn -> forwarded unchanged
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	schema      *util.Schema
	schemaErr   error
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
//	sum := NewFunctionTool("calculate_sum", "Add two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	schema, err := util.CompileSchema(parameters)
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		schema:      schema,
		schemaErr:   err,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the description shown to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema of the arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Spec returns the function tool declaration.
func (t *FunctionTool) Spec() model.ToolSpec {
	return model.ToolSpec{Kind: model.ToolFunction, Name: t.name, Description: t.description, Parameters: t.parameters}
}

// Handle decodes and validates the arguments and invokes the function. The
// function's result is sent back as-is when it is a string, JSON otherwise.
func (t *FunctionTool) Handle(ctx context.Context, inv *Invocation) (Result, error) {
	logger := inv.logger()
	start := time.Now()
	logger.Debug("Tool call started", "tool_name", t.name, "call_id", inv.CallID)

	if t.schemaErr != nil {
		return Result{}, &ToolError{Tool: t.name, Message: t.schemaErr.Error(), Code: CodeValidation}
	}

	args := map[string]any{}
	if in := strings.TrimSpace(inv.Input); in != "" {
		if err := json.Unmarshal([]byte(in), &args); err != nil {
			return Result{}, &ToolError{
				Tool:    t.name,
				Message: fmt.Sprintf("failed to parse function arguments: %v", err),
				Code:    CodeValidation,
			}
		}
	}
	if err := t.schema.Validate(args); err != nil {
		logger.Warn("Tool arguments rejected", "tool_name", t.name, "error", err.Error())
		return Result{}, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	out, err := t.fn(ctx, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return Result{}, toolErr
		}
		return Result{}, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution}
	}

	logger.Debug("Tool call finished", "tool_name", t.name, "call_id", inv.CallID, "duration", time.Since(start))
	if s, ok := out.(string); ok {
		return Succeeded(s), nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Result{}, &ToolError{Tool: t.name, Message: fmt.Sprintf("failed to encode result: %v", err), Code: CodeExecution}
	}
	return Succeeded(string(data)), nil
}

var _ Tool = (*FunctionTool)(nil)
