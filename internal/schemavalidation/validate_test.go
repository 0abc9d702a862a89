package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []schemaCase{
		{
			name:         "session-marker",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "session-marker-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "spec", "fixtures", "session-marker-v1.json"),
		},
		{
			name:         "appearance",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "appearance-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "spec", "fixtures", "appearance-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validateInstance(t, tc.schemaPath, tc.instancePath)
		})
	}
}

// TestSessionMarkerRejectsBadPid exercises the schema in the negative
// direction so a loosened constraint does not slip through unnoticed.
func TestSessionMarkerRejectsBadPid(t *testing.T) {
	repoRoot := repoRoot(t)
	schemaPath := filepath.Join(repoRoot, "docs", "schema", "session-marker-v1.schema.json")

	schema := compileSchema(t, schemaPath)
	bad := map[string]any{
		"pid":               0,
		"start_time":        "2026-05-11T08:03:27Z",
		"cursor_was_active": false,
	}
	if err := schema.Validate(bad); err == nil {
		t.Fatal("expected pid 0 to fail validation")
	}
}

func TestAppearanceRejectsUnknownMode(t *testing.T) {
	repoRoot := repoRoot(t)
	schemaPath := filepath.Join(repoRoot, "docs", "schema", "appearance-v1.schema.json")

	schema := compileSchema(t, schemaPath)
	bad := map[string]any{
		"enabled":    true,
		"base_color": "#FFFFFF",
		"mode":       "disco",
	}
	if err := schema.Validate(bad); err == nil {
		t.Fatal("expected unknown mode to fail validation")
	}
}

func validateInstance(t *testing.T, schemaPath, instancePath string) {
	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}

	var instance any
	if err := json.Unmarshal(instanceData, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	schema := compileSchema(t, schemaPath)
	if err := schema.Validate(instance); err != nil {
		t.Fatalf("schema validation failed for %s: %v", filepath.Base(instancePath), err)
	}
}

func compileSchema(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()

	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
