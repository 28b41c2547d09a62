package model

import (
	"fmt"
	"strings"
)

// Field length limits for definition records. These bound what the admin
// CRUD layer may hand us before a definition reaches the runner.
const (
	MaxDefinitionIDLen = 200
	MaxSourceLen       = 256 * 1024 // 256 KB
	MaxTemplateLen     = 256 * 1024 // 256 KB
)

// IOSlot is one declared input or output of a script or report.
type IOSlot struct {
	AttributeID string `json:"attribute_id"`
	Optional    bool   `json:"optional,omitempty"`
}

// Tags is a denormalized boolean-map index over tag names. Membership
// queries reduce to "key present and true", which the Postgres store
// answers with jsonb containment.
type Tags map[string]bool

// AttributeDefinition is an immutable catalog entry describing one named
// attribute: what it means and which scripts or conversations produce it.
type AttributeDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        Tags     `json:"tags,omitempty"`
	Producers   []string `json:"producers,omitempty"`
}

// ScriptDefinition is an admin-authored derivation: declared inputs,
// declared outputs, and the sandboxed source body.
type ScriptDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        Tags     `json:"tags,omitempty"`
	Inputs      []IOSlot `json:"inputs"`
	Outputs     []IOSlot `json:"outputs"`
	Source      string   `json:"source"`
}

// ReportDefinition is an admin-authored template over a user's current
// attribute values.
type ReportDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        Tags     `json:"tags,omitempty"`
	Inputs      []IOSlot `json:"inputs"`
	Template    string   `json:"template"`
}

// ValidateID checks an opaque definition or user id: non-empty, printable,
// no whitespace, bounded length.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("model: empty id")
	}
	if len(id) > MaxDefinitionIDLen {
		return fmt.Errorf("model: id exceeds maximum length of %d characters", MaxDefinitionIDLen)
	}
	if strings.ContainsAny(id, " \t\n\r") {
		return fmt.Errorf("model: id %q contains whitespace", id)
	}
	return nil
}

func validateSlots(kind string, slots []IOSlot) error {
	seen := make(map[string]bool, len(slots))
	for i, s := range slots {
		if err := ValidateID(s.AttributeID); err != nil {
			return fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
		if seen[s.AttributeID] {
			return fmt.Errorf("%s[%d]: duplicate attribute %s", kind, i, s.AttributeID)
		}
		seen[s.AttributeID] = true
	}
	return nil
}

// Validate checks a script definition before it is accepted into a catalog.
func (d ScriptDefinition) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if strings.TrimSpace(d.Source) == "" {
		return fmt.Errorf("model: script %s: empty source", d.ID)
	}
	if len(d.Source) > MaxSourceLen {
		return fmt.Errorf("model: script %s: source exceeds %d bytes", d.ID, MaxSourceLen)
	}
	if len(d.Outputs) == 0 {
		return fmt.Errorf("model: script %s: no declared outputs", d.ID)
	}
	if err := validateSlots("input", d.Inputs); err != nil {
		return fmt.Errorf("model: script %s: %w", d.ID, err)
	}
	if err := validateSlots("output", d.Outputs); err != nil {
		return fmt.Errorf("model: script %s: %w", d.ID, err)
	}
	return nil
}

// Validate checks a report definition before it is accepted into a catalog.
func (d ReportDefinition) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if strings.TrimSpace(d.Template) == "" {
		return fmt.Errorf("model: report %s: empty template", d.ID)
	}
	if len(d.Template) > MaxTemplateLen {
		return fmt.Errorf("model: report %s: template exceeds %d bytes", d.ID, MaxTemplateLen)
	}
	if err := validateSlots("input", d.Inputs); err != nil {
		return fmt.Errorf("model: report %s: %w", d.ID, err)
	}
	return nil
}

// Validate checks an attribute definition.
func (d AttributeDefinition) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if d.Name == "" {
		return fmt.Errorf("model: attribute %s: empty name", d.ID)
	}
	return nil
}

// RequiredInputs returns the attribute ids of the non-optional slots.
func RequiredInputs(slots []IOSlot) []string {
	var ids []string
	for _, s := range slots {
		if !s.Optional {
			ids = append(ids, s.AttributeID)
		}
	}
	return ids
}
