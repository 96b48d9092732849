package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// paramSchemas declares the shape of each RPC method's params object.
// Methods absent from this map take no params (or ignore them).
var paramSchemas = map[string]string{
	"agent": `{
		"type": "object",
		"required": ["session_key", "message"],
		"properties": {
			"session_key": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string"},
			"message": {"type": "string", "minLength": 1},
			"subagent": {
				"type": "object",
				"required": ["task"],
				"properties": {
					"task": {"type": "string", "minLength": 1},
					"cleanup": {"enum": ["keep", "discard"]},
					"announce": {"type": "boolean"}
				}
			}
		}
	}`,
	"agent.wait": `{
		"type": "object",
		"required": ["run_id"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"timeout_ms": {"type": "integer", "minimum": 0}
		}
	}`,
	"agent.event": `{
		"type": "object",
		"required": ["run_id", "phase"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"phase": {"enum": ["start", "error", "end"]},
			"started_at": {"type": "string"},
			"ended_at": {"type": "string"},
			"error": {"type": "string"},
			"aborted": {"type": "boolean"}
		}
	}`,
	"sessions.patch": `{
		"type": "object",
		"required": ["session_key", "fields"],
		"properties": {
			"session_key": {"type": "string", "minLength": 1},
			"fields": {"type": "object"}
		}
	}`,
	"sessions.delete": `{
		"type": "object",
		"required": ["session_key"],
		"properties": {
			"session_key": {"type": "string", "minLength": 1}
		}
	}`,
	"chat.inject": `{
		"type": "object",
		"required": ["session_key", "text"],
		"properties": {
			"session_key": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1}
		}
	}`,
	"node.invoke": `{
		"type": "object",
		"required": ["node_id", "command"],
		"properties": {
			"node_id": {"type": "string", "minLength": 1},
			"command": {"type": "string", "minLength": 1},
			"args": {"type": "object"},
			"argv": {"type": "array", "items": {"type": "string"}},
			"cwd": {"type": "string"},
			"agent_id": {"type": "string"},
			"session_key": {"type": "string"},
			"env": {"type": "object", "additionalProperties": {"type": "string"}},
			"approval_id": {"type": "string"},
			"wait_ms": {"type": "integer", "minimum": 0}
		}
	}`,
	"approvals.resolve": `{
		"type": "object",
		"required": ["approval_id", "decision"],
		"properties": {
			"approval_id": {"type": "string", "minLength": 1},
			"decision": {"enum": ["allow-once", "allow-always", "deny"]}
		}
	}`,
	"canvas.token": `{
		"type": "object",
		"required": ["node_id", "canvas_session_id"],
		"properties": {
			"node_id": {"type": "string", "minLength": 1},
			"canvas_session_id": {"type": "string", "minLength": 1}
		}
	}`,
}

type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

// compileSchemas builds the validator set once at server construction.
func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	for method, raw := range paramSchemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", method, err)
		}
		if err := c.AddResource(method+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", method, err)
		}
	}
	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema, len(paramSchemas))}
	for method := range paramSchemas {
		schema, err := c.Compile(method + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", method, err)
		}
		set.compiled[method] = schema
	}
	return set, nil
}

// validate checks raw params against the method's schema. Methods without a
// declared schema pass. Returns a caller-facing message on failure.
func (ss *schemaSet) validate(method string, raw json.RawMessage) error {
	schema, ok := ss.compiled[method]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid params JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
