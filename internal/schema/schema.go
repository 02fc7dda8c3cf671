// Package schema validates inbound Ghost webhook payloads against a
// static JSON Schema Draft 7 document, embedded at build time and
// compiled once at package init — load once, fail fast, single source,
// matching the teacher's module-level-constant loading idiom.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wpowiertowski/posse/internal/apperr"
)

//go:embed schemas/ghost_post_schema.json
var ghostPostSchemaJSON []byte

var ghostPostSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("ghost_post.json", bytes.NewReader(ghostPostSchemaJSON)); err != nil {
		panic(fmt.Sprintf("schema: invalid embedded ghost_post_schema.json: %v", err))
	}
	schema, err := compiler.Compile("ghost_post.json")
	if err != nil {
		panic(fmt.Sprintf("schema: failed to compile ghost_post_schema.json: %v", err))
	}
	ghostPostSchema = schema
}

// ValidateGhostWebhook validates raw webhook bytes against the Ghost
// post schema. On failure it returns an apperr.Error (KindValidation)
// carrying the dotted field path of the first violation.
func ValidateGhostWebhook(raw []byte) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Validation("", "body is not valid JSON")
	}

	if err := ghostPostSchema.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			path, reason := firstViolation(verr)
			return nil, apperr.Validation(path, reason)
		}
		return nil, apperr.Validation("", err.Error())
	}

	payload, ok := doc.(map[string]any)
	if !ok {
		return nil, apperr.Validation("", "payload root must be an object")
	}
	return payload, nil
}

// firstViolation descends a jsonschema.ValidationError's Causes to find
// the most specific (deepest) leaf violation and renders its instance
// location as a dotted path.
func firstViolation(verr *jsonschema.ValidationError) (path, reason string) {
	cur := verr
	for len(cur.Causes) > 0 {
		cur = cur.Causes[0]
	}
	loc := cur.InstanceLocation
	if len(loc) == 0 {
		return "post.current", cur.Message
	}
	dotted := loc[0]
	for _, seg := range loc[1:] {
		dotted += "." + seg
	}
	return dotted, cur.Message
}
