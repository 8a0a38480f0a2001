package config

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/pkg/errors"
)

//go:embed schema/config-static.json
var staticSchemaJSON []byte

var (
	staticSchemaOnce sync.Once
	staticSchema     *openapi3.Schema
	staticSchemaErr  error
)

func loadStaticSchema() (*openapi3.Schema, error) {
	staticSchemaOnce.Do(func() {
		s := openapi3.NewSchema()
		if err := json.Unmarshal(staticSchemaJSON, s); err != nil {
			staticSchemaErr = errors.Wrap(err, "Loading static configuration schema")
			return
		}
		staticSchema = s
	})
	return staticSchema, staticSchemaErr
}

// Validate checks a configuration document against the static deployment schema.
// Only the first violation is reported.
func Validate(doc map[string]interface{}) error {
	schema, err := loadStaticSchema()
	if err != nil {
		return err
	}

	err = schema.VisitJSON(doc)
	if err == nil {
		return nil
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return &ValidationError{
			Message: se.Reason,
			Param:   "/" + strings.Join(se.JSONPointer(), "/"),
			Err:     err,
		}
	}
	return &ValidationError{Message: err.Error(), Param: "/", Err: err}
}
