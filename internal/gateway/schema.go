package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/canvasrelay/internal/errs"
)

const (
	idSchema      = `{"type": "string", "minLength": 1}`
	updateSchema  = `{"type": "object", "required": ["data"], "properties": {"data": {"type": "string"}}}`
	patchEnvelope = `{"type": "object", "required": ["projectId", "%s", "updates"], "properties": {"projectId": ` + idSchema + `, "%s": ` + idSchema + `, "updates": {"type": "object"}}}`
	scopedDelete  = `{"type": "object", "required": ["projectId", "%s"], "properties": {"projectId": ` + idSchema + `, "%s": ` + idSchema + `}}`
)

// payloadSchemas describe the shape of inbound frames. Field values such as
// enums and ranges are checked by the store so clients get its messages.
var payloadSchemas = map[string]string{
	eventJoinProject: `{"anyOf": [` + idSchema + `, {"type": "object", "required": ["projectId"], "properties": {"projectId": ` + idSchema + `}}]}`,

	eventCreatePage: `{"type": "object", "required": ["projectId", "name"], "properties": {
		"projectId": ` + idSchema + `, "name": {"type": "string"}}}`,
	eventCreateCanvas: `{"type": "object", "required": ["projectId", "pageId", "name"], "properties": {
		"projectId": ` + idSchema + `, "pageId": ` + idSchema + `, "name": {"type": "string"},
		"width": {"type": "number"}, "height": {"type": "number"}, "unit": {"type": "string"}}}`,
	eventCreateLayer: `{"type": "object", "required": ["projectId", "canvasId", "name", "type"], "properties": {
		"projectId": ` + idSchema + `, "canvasId": ` + idSchema + `, "name": {"type": "string"}, "type": {"type": "string"},
		"blendMode": {"type": "string"}, "opacity": {"type": "integer"},
		"isVisible": {"type": "boolean"}, "isLocked": {"type": "boolean"}}}`,

	eventUpdatePage:   fmt.Sprintf(patchEnvelope, "pageId", "pageId"),
	eventUpdateCanvas: fmt.Sprintf(patchEnvelope, "canvasId", "canvasId"),
	eventUpdateLayer:  fmt.Sprintf(patchEnvelope, "layerId", "layerId"),

	eventDeletePage:   fmt.Sprintf(scopedDelete, "pageId", "pageId"),
	eventDeleteCanvas: fmt.Sprintf(scopedDelete, "canvasId", "canvasId"),
	eventDeleteLayer:  fmt.Sprintf(scopedDelete, "layerId", "layerId"),

	eventSaveUpdate:      updateSchema,
	eventCRDTUpdate:      updateSchema,
	eventAwarenessUpdate: updateSchema,

	eventJoinRoom:  `{"anyOf": [` + idSchema + `, {"type": "object", "required": ["room"], "properties": {"room": ` + idSchema + `}}]}`,
	eventSignal:    `{"type": "object", "required": ["to"], "properties": {"to": ` + idSchema + `}}`,
	eventAwareness: `{"type": "object", "required": ["room"], "properties": {"room": ` + idSchema + `}}`,
}

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(payloadSchemas))}
	for event, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", event, err)
		}
		location := event + ".json"
		if err := compiler.AddResource(location, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", event, err)
		}
		schema, err := compiler.Compile(location)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", event, err)
		}
		v.schemas[event] = schema
	}
	return v, nil
}

// validate checks data against the schema registered for event. Events
// without a schema pass.
func (v *validator) validate(event string, data json.RawMessage) error {
	schema, ok := v.schemas[event]
	if !ok {
		return nil
	}
	message := "Invalid " + event + " payload."
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.ErrValidation, message, err)
	}
	if err := schema.Validate(instance); err != nil {
		return errs.Wrap(errs.ErrValidation, message, err)
	}
	return nil
}
