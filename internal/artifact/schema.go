package artifact

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema returns the JSON Schema of the artifact document.
func JSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            false,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(&Artifact{})
	s.ID = "https://sheetnorm.dev/schemas/artifact-" + Version + ".json"
	s.Title = "sheetnorm run artifact"
	return json.MarshalIndent(s, "", "  ")
}
