package rules

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// validateDocument checks an encoded rule set document against the schema.
// The first violation is reported with its group and field when known.
func validateDocument(doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &model.RuleSetError{Message: "schema validation failed during load", Cause: err}
	}
	if result.Valid() {
		return nil
	}

	desc := result.Errors()[0]
	rse := &model.RuleSetError{Message: desc.Description()}

	// Field paths look like "must.status.0.kind"
	if path := desc.Field(); path != "" && path != "(root)" {
		parts := strings.Split(path, ".")
		rse.Group = parts[0]
		if len(parts) > 1 {
			rse.Field = parts[1]
		}
	}
	if n := len(result.Errors()); n > 1 {
		rse.Message = fmt.Sprintf("%s (and %d more)", rse.Message, n-1)
	}
	return rse
}
