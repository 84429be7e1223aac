package tool

import (
	"encoding/json"
	"testing"
)

func compiled(t *testing.T) *Definition {
	t.Helper()
	def := &Definition{
		Name: "echo",
		Schema: ObjectSchema(map[string]any{
			"text": map[string]any{"type": "string"},
			"n":    map[string]any{"type": "integer"},
		}, []string{"text"}),
	}
	if err := def.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return def
}

func TestValidateArguments(t *testing.T) {
	def := compiled(t)

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"text":"hi"}`, false},
		{"valid with optional", `{"text":"hi","n":3}`, false},
		{"missing required", `{"n":3}`, true},
		{"wrong type", `{"text":42}`, true},
		{"unknown property", `{"text":"hi","bogus":true}`, true},
		{"empty treated as object", ``, true}, // required "text" missing
		{"not json", `{"text":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := def.ValidateArguments(json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("args %q: wantErr=%v, got %v", tt.args, tt.wantErr, err)
			}
		})
	}
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	def := &Definition{Name: "anything"}
	if err := def.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := def.ValidateArguments(json.RawMessage(`{"whatever":[1,2,3]}`)); err != nil {
		t.Errorf("nil schema should accept any arguments, got %v", err)
	}
}

func TestCompileRejectsBadSchema(t *testing.T) {
	def := &Definition{Name: "broken", Schema: json.RawMessage(`{"type": 7}`)}
	if err := def.Compile(); err == nil {
		t.Error("expected compile error for malformed schema")
	}
}
