package pkgstore

import "encoding/json"

// PluginType selects which sub-directory of the plugin root hosts a
// package.
type PluginType string

const (
	TypeBot      PluginType = "bot"
	TypePlatform PluginType = "platform"
)

// CodeType selects how the Sandbox loads the entry source.
type CodeType string

const (
	CodeScript CodeType = "script"
	CodeModule CodeType = "module"
)

// ConfigFieldKind enumerates the UI kinds a configSchema entry may take.
type ConfigFieldKind string

const (
	FieldString  ConfigFieldKind = "string"
	FieldNumber  ConfigFieldKind = "number"
	FieldBoolean ConfigFieldKind = "boolean"
	FieldSelect  ConfigFieldKind = "select"
	FieldArray   ConfigFieldKind = "array"
	FieldObject  ConfigFieldKind = "object"
)

// ConfigField is one configSchema entry advertised to the admin UI.
type ConfigField struct {
	Key         string          `json:"key"`
	Kind        ConfigFieldKind `json:"kind"`
	Label       string          `json:"label,omitempty"`
	Default     interface{}     `json:"default,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Manifest is the declarative plugin descriptor.
//
// UnknownFields captures any JSON object members this struct does not
// name so that re-serializing a manifest after a config update does not
// drop fields a newer plugin version might rely on: unknown fields are
// preserved on write.
type Manifest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Author      string          `json:"author"`
	Description string          `json:"description"`
	Type        PluginType      `json:"type"`
	Entry       string          `json:"entry"`
	CodeType    CodeType        `json:"codeType"`
	Commands    []string        `json:"commands,omitempty"`
	ConfigSchema []ConfigField  `json:"configSchema,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Builtin     bool            `json:"builtin,omitempty"`

	UnknownFields map[string]json.RawMessage `json:"-"`
}

// MarshalJSON re-serializes the manifest, splicing UnknownFields back in
// so an install -> edit-config -> write round trip never silently drops
// fields this struct does not model.
func (m Manifest) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID           string          `json:"id"`
		Name         string          `json:"name"`
		Version      string          `json:"version"`
		Author       string          `json:"author"`
		Description  string          `json:"description"`
		Type         PluginType      `json:"type"`
		Entry        string          `json:"entry"`
		CodeType     CodeType        `json:"codeType"`
		Commands     []string        `json:"commands,omitempty"`
		ConfigSchema []ConfigField   `json:"configSchema,omitempty"`
		Config       map[string]any  `json:"config,omitempty"`
		Signature    string          `json:"signature,omitempty"`
		Builtin      bool            `json:"builtin,omitempty"`
	}
	base, err := json.Marshal(alias{
		ID: m.ID, Name: m.Name, Version: m.Version, Author: m.Author,
		Description: m.Description, Type: m.Type, Entry: m.Entry,
		CodeType: m.CodeType, Commands: m.Commands, ConfigSchema: m.ConfigSchema,
		Config: m.Config, Signature: m.Signature, Builtin: m.Builtin,
	})
	if err != nil {
		return nil, err
	}
	if len(m.UnknownFields) == 0 {
		return base, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.UnknownFields {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses a manifest, stashing any object member this
// struct does not declare into UnknownFields.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID           string          `json:"id"`
		Name         string          `json:"name"`
		Version      string          `json:"version"`
		Author       string          `json:"author"`
		Description  string          `json:"description"`
		Type         PluginType      `json:"type"`
		Entry        string          `json:"entry"`
		CodeType     CodeType        `json:"codeType"`
		Commands     []string        `json:"commands,omitempty"`
		ConfigSchema []ConfigField   `json:"configSchema,omitempty"`
		Config       map[string]any  `json:"config,omitempty"`
		Signature    string          `json:"signature,omitempty"`
		Builtin      bool            `json:"builtin,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Manifest{
		ID: a.ID, Name: a.Name, Version: a.Version, Author: a.Author,
		Description: a.Description, Type: a.Type, Entry: a.Entry,
		CodeType: a.CodeType, Commands: a.Commands, ConfigSchema: a.ConfigSchema,
		Config: a.Config, Signature: a.Signature, Builtin: a.Builtin,
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"id": true, "name": true, "version": true, "author": true,
		"description": true, "type": true, "entry": true, "codeType": true,
		"commands": true, "configSchema": true, "config": true,
		"signature": true, "builtin": true,
	}
	for k, v := range raw {
		if !known[k] {
			if m.UnknownFields == nil {
				m.UnknownFields = map[string]json.RawMessage{}
			}
			m.UnknownFields[k] = v
		}
	}
	return nil
}
