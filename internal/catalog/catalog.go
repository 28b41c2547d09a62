// Package catalog exposes the attribute, script, and report definition
// registries consumed by the runner and renderer. Catalogs are thin,
// explicitly-injected views over the definition store — there is no
// process-wide registry singleton.
package catalog

import (
	"context"
	"fmt"

	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/store"
)

// Catalogs bundles the three definition registries behind one handle.
type Catalogs struct {
	defs store.DefinitionStore
}

// New creates catalogs over the given definition store.
func New(defs store.DefinitionStore) *Catalogs {
	return &Catalogs{defs: defs}
}

// Attribute resolves an attribute definition by id.
func (c *Catalogs) Attribute(ctx context.Context, id string) (model.AttributeDefinition, error) {
	if err := model.ValidateID(id); err != nil {
		return model.AttributeDefinition{}, fmt.Errorf("catalog: %w", err)
	}
	return c.defs.AttributeDefinition(ctx, id)
}

// Script resolves a script definition by id.
func (c *Catalogs) Script(ctx context.Context, id string) (model.ScriptDefinition, error) {
	if err := model.ValidateID(id); err != nil {
		return model.ScriptDefinition{}, fmt.Errorf("catalog: %w", err)
	}
	return c.defs.ScriptDefinition(ctx, id)
}

// Report resolves a report definition by id.
func (c *Catalogs) Report(ctx context.Context, id string) (model.ReportDefinition, error) {
	if err := model.ValidateID(id); err != nil {
		return model.ReportDefinition{}, fmt.Errorf("catalog: %w", err)
	}
	return c.defs.ReportDefinition(ctx, id)
}

// ScriptsByTag lists scripts carrying the tag; an empty tag lists all.
func (c *Catalogs) ScriptsByTag(ctx context.Context, tag string) ([]model.ScriptDefinition, error) {
	return c.defs.ListScripts(ctx, tag)
}

// ReportsByTag lists reports carrying the tag; an empty tag lists all.
func (c *Catalogs) ReportsByTag(ctx context.Context, tag string) ([]model.ReportDefinition, error) {
	return c.defs.ListReports(ctx, tag)
}
