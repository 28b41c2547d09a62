// Package report implements the report renderer: it resolves a report's
// declared inputs (current values plus attribute metadata) and renders the
// template into a document. Rendering is a pure read — it never touches
// attribute state.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aurelia-ai/facet/internal/catalog"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/store"
	"github.com/aurelia-ai/facet/internal/telemetry"
)

// Renderer renders reports for users.
type Renderer struct {
	catalogs *catalog.Catalogs
	store    store.Store
	logger   *slog.Logger

	renderDuration metric.Float64Histogram
}

// NewRenderer creates a Renderer.
func NewRenderer(catalogs *catalog.Catalogs, st store.Store, logger *slog.Logger) *Renderer {
	meter := telemetry.Meter("facet/report")
	renderDur, _ := meter.Float64Histogram("facet.report.render.duration",
		metric.WithDescription("End-to-end report render time (ms)"),
		metric.WithUnit("ms"),
	)
	return &Renderer{catalogs: catalogs, store: st, logger: logger, renderDuration: renderDur}
}

// userData mirrors the script runner's user snapshot so templates and
// scripts see the same shape.
type userData struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	LastSignedIn *time.Time
}

// inputEntry is one resolved input: current value plus the attribute
// metadata templates typically label values with. No history — reports
// render current state only.
type inputEntry struct {
	ID          string
	Name        string
	Description string
	Value       any
	// Display is the value rendered for prose ("70", "true", "Lisbon").
	Display string
}

// templateContext is the data a template executes against.
type templateContext struct {
	User  userData
	Input map[string]inputEntry
}

// Render resolves the report's inputs and renders its template. A required
// input that is unset for the user aborts with a PreconditionError and no
// partial output; optional unset inputs are omitted from the context, and
// a template referencing an omitted key fails with a RenderError.
func (r *Renderer) Render(ctx context.Context, reportID, userID string) (string, error) {
	start := time.Now()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("facet.report_id", reportID),
		attribute.String("facet.user_id", userID),
	)

	doc, err := r.render(ctx, reportID, userID)
	r.renderDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		r.logger.Warn("report render failed",
			"report_id", reportID, "user_id", userID, "error", err)
		return "", err
	}

	r.logger.Info("report rendered",
		"report_id", reportID, "user_id", userID,
		"bytes", len(doc), "duration_ms", time.Since(start).Milliseconds())
	return doc, nil
}

func (r *Renderer) render(ctx context.Context, reportID, userID string) (string, error) {
	// 1. Resolve the definition and the user.
	def, err := r.catalogs.Report(ctx, reportID)
	if err != nil {
		return "", wrapStoreErr("resolve report", err)
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return "", wrapStoreErr("resolve user", err)
	}

	// 2. Parse the template before touching the store: a malformed
	// template fails identically regardless of attribute state.
	tmpl, err := template.New(def.ID).Option("missingkey=error").Parse(def.Template)
	if err != nil {
		return "", &model.RenderError{ReportID: reportID, Err: fmt.Errorf("parse template: %w", err)}
	}

	// 3. Resolve inputs: current value plus attribute metadata, in parallel.
	input, err := r.resolveInputs(ctx, userID, def.Inputs)
	if err != nil {
		return "", err
	}

	// 4. Render.
	data := templateContext{
		User: userData{
			ID:           user.ID,
			Name:         user.Name,
			Email:        user.Email,
			Phone:        user.Phone,
			LastSignedIn: user.LastSignedIn,
		},
		Input: input,
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &model.RenderError{ReportID: reportID, Err: err}
	}
	return buf.String(), nil
}

// wrapStoreErr passes NotFound through untouched and wraps everything
// else as a transient StoreError.
func wrapStoreErr(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	return &model.StoreError{Op: op, Err: err}
}

func (r *Renderer) resolveInputs(ctx context.Context, userID string, slots []model.IOSlot) (map[string]inputEntry, error) {
	input := make(map[string]inputEntry, len(slots))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range slots {
		g.Go(func() error {
			attr, err := r.store.GetAttribute(gctx, userID, slot.AttributeID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					if slot.Optional {
						return nil
					}
					return &model.PreconditionError{AttributeID: slot.AttributeID}
				}
				return &model.StoreError{Op: "get attribute " + slot.AttributeID, Err: err}
			}

			entry := inputEntry{
				ID:      slot.AttributeID,
				Value:   attr.Value.Any(),
				Display: attr.Value.Display(),
			}

			// Metadata is optional: an attribute observed before its
			// definition was catalogued still renders, just unlabelled.
			if def, err := r.catalogs.Attribute(gctx, slot.AttributeID); err == nil {
				entry.Name = def.Name
				entry.Description = def.Description
			} else if !errors.Is(err, model.ErrNotFound) {
				return &model.StoreError{Op: "get attribute definition " + slot.AttributeID, Err: err}
			}

			mu.Lock()
			input[slot.AttributeID] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return input, nil
}
