// Package tool defines the tool contract shared by the registry, the
// executor, and every tool implementation.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Sentinel errors tool handlers wrap so the executor can classify failures.
var (
	// ErrAccessDenied marks a path escape or a blocked command.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable marks a remote tool whose server connection is lost.
	ErrUnavailable = errors.New("tool unavailable")
)

// Handler executes one validated invocation and returns its payload.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Definition describes one invocable tool: a unique name, a JSON schema for
// its arguments, and the handler that runs it. Remote definitions carry the
// ID of the owning server so they can be released when it disconnects.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler

	// Server is the remote server ID for protocol-exposed tools, empty for
	// local tools.
	Server string

	compiled *jsonschema.Schema
}

// Compile parses the parameter schema. Called once at registration; a
// definition with a nil schema accepts any arguments.
func (d *Definition) Compile() error {
	if len(d.Schema) == 0 {
		return nil
	}
	compiled, err := jsonschema.CompileString(d.Name, string(d.Schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", d.Name, err)
	}
	d.compiled = compiled
	return nil
}

// ValidateArguments checks args against the compiled schema. It never touches
// the handler.
func (d *Definition) ValidateArguments(args json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := d.compiled.Validate(payload); err != nil {
		return fmt.Errorf("arguments do not match schema for %s: %w", d.Name, err)
	}
	return nil
}

// ObjectSchema builds a JSON schema for an object with the given properties.
// Tools use it so schemas stay declarative at the definition site.
func ObjectSchema(properties map[string]any, required []string) json.RawMessage {
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
