package provisioner

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://borgwarehouse.local/schemas/"

var (
	schemasOnce sync.Once
	schemasErr  error
	schemas     map[string]*jsonschema.Schema
)

// loadSchemas compiles every embedded report schema once.
func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}

		c := jsonschema.NewCompiler()
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			data, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				schemasErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				schemasErr = fmt.Errorf("parsing schema %s: %w", e.Name(), err)
				return
			}
			if err := c.AddResource(schemaBaseURL+e.Name(), doc); err != nil {
				schemasErr = fmt.Errorf("adding schema %s: %w", e.Name(), err)
				return
			}
			names = append(names, e.Name())
		}

		compiled := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			sch, err := c.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("compiling schema %s: %w", name, err)
				return
			}
			compiled[name] = sch
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// decodeReport validates stdout against the named schema and decodes it
// into out. Blank output is an empty report.
func decodeReport(schemaName, stdout string, out any) error {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		stdout = "[]"
	}

	compiled, err := loadSchemas()
	if err != nil {
		return err
	}
	sch, ok := compiled[schemaName]
	if !ok {
		return fmt.Errorf("unknown report schema %s", schemaName)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(stdout))
	if err != nil {
		return fmt.Errorf("report is not JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("report does not match %s: %w", schemaName, err)
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return fmt.Errorf("decoding report: %w", err)
	}
	return nil
}
