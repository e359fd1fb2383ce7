package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// initSchema describes the init argument: device ids mapped to a class and
// its configuration. Keys other than classId and configuration are
// configuration too.
const initSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["classId"],
    "properties": {
      "classId": {"type": "string", "minLength": 1},
      "configuration": {"type": "object"}
    }
  }
}`

var initSchemaLoader = gojsonschema.NewStringLoader(initSchema)

// validateInit checks the shape of an init document before it is decoded.
func validateInit(data []byte) error {
	result, err := gojsonschema.Validate(initSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
