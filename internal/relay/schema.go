package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.stickyrelay.local/"

const (
	ActionSaveNoteToApp = "saveNoteToApp"
	ActionCheckAppOpen  = "checkAppOpen"
)

// RuntimeMessage is a request from an extension surface to the relay.
type RuntimeMessage struct {
	Action string `json:"action"`
	Note   *Note  `json:"note,omitempty"`
}

const noteSchemaJSON = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"title": {"type": "string"},
		"content": {"type": "string"},
		"created": {"type": "string"},
		"origin": {"enum": ["app", "extension"]}
	}
}`

const runtimeMessageSchemaJSON = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"note": {"$ref": "note.json"}
	},
	"if": {"properties": {"action": {"const": "saveNoteToApp"}}},
	"then": {
		"required": ["note"],
		"properties": {"note": {"required": ["id"], "properties": {"id": {"minLength": 1}}}}
	}
}`

type schemaSet struct {
	runtimeMessage *jsonschema.Schema
	note           *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     schemaSet
	schemasErr  error
)

func loadSchemas() (schemaSet, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, raw := range map[string]string{
			"note.json":            noteSchemaJSON,
			"runtime-message.json": runtimeMessageSchemaJSON,
		} {
			name = schemaBaseURL + name
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		note, err := compiler.Compile(schemaBaseURL + "note.json")
		if err != nil {
			schemasErr = err
			return
		}
		runtimeMessage, err := compiler.Compile(schemaBaseURL + "runtime-message.json")
		if err != nil {
			schemasErr = err
			return
		}
		schemas = schemaSet{runtimeMessage: runtimeMessage, note: note}
	})
	return schemas, schemasErr
}

// DecodeRuntimeMessage validates raw against the runtime message schema and
// decodes it.
func DecodeRuntimeMessage(raw []byte) (RuntimeMessage, error) {
	set, err := loadSchemas()
	if err != nil {
		return RuntimeMessage{}, err
	}
	if err := validateAgainst(set.runtimeMessage, raw); err != nil {
		return RuntimeMessage{}, err
	}
	var msg RuntimeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return RuntimeMessage{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return msg, nil
}

// DecodeNote validates raw against the note schema and decodes it. The
// identifier may be empty; callers decide how to fill it.
func DecodeNote(raw []byte) (Note, error) {
	set, err := loadSchemas()
	if err != nil {
		return Note{}, err
	}
	if err := validateAgainst(set.note, raw); err != nil {
		return Note{}, err
	}
	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return note, nil
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
