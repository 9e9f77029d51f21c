// internal/pacs/schema.go
// JSON-schema validation of provider responses. The upstream API changes
// without notice; validating at the boundary keeps malformed rows out of
// the work queue.
package pacs

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const worklistSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "oneOf": [
    {"$ref": "#/definitions/studyArray"},
    {
      "type": "object",
      "properties": {
        "study_list": {"$ref": "#/definitions/studyArray"}
      },
      "required": ["study_list"]
    }
  ],
  "definitions": {
    "studyArray": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "study_instance_uid": {"type": "string", "minLength": 1},
          "patient_name": {"type": "string"},
          "patient_id": {"type": "string"},
          "facility": {"type": "string"},
          "study_date": {"type": "string"},
          "status": {"type": "string"}
        },
        "required": ["study_instance_uid"]
      }
    }
  }
}`

const resolveSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "study_data": {
      "type": "object",
      "properties": {
        "study_instance_uuid": {"type": "string"},
        "patient_name": {"type": "string"}
      }
    }
  },
  "required": ["study_data"]
}`

var (
	worklistSchema = gojsonschema.NewStringLoader(worklistSchemaJSON)
	resolveSchema  = gojsonschema.NewStringLoader(resolveSchemaJSON)
)

func validateWorklist(raw []byte) error {
	return validateAgainst(worklistSchema, raw)
}

func validateResolve(raw []byte) error {
	return validateAgainst(resolveSchema, raw)
}

func validateAgainst(schema gojsonschema.JSONLoader, raw []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
