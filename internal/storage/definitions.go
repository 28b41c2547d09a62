package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurelia-ai/facet/internal/model"
)

// AttributeDefinition implements store.DefinitionStore.
func (db *DB) AttributeDefinition(ctx context.Context, id string) (model.AttributeDefinition, error) {
	var (
		d             model.AttributeDefinition
		tagsJSON      []byte
		producersJSON []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, description, tags, producers FROM attribute_definitions WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.Description, &tagsJSON, &producersJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AttributeDefinition{}, &model.NotFoundError{Entity: "attribute definition", ID: id}
		}
		return model.AttributeDefinition{}, fmt.Errorf("storage: get attribute definition: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &d.Tags); err != nil {
		return model.AttributeDefinition{}, fmt.Errorf("storage: decode tags: %w", err)
	}
	if err := json.Unmarshal(producersJSON, &d.Producers); err != nil {
		return model.AttributeDefinition{}, fmt.Errorf("storage: decode producers: %w", err)
	}
	return d, nil
}

const scriptColumns = `id, name, description, tags, inputs, outputs, source`

func scanScript(row pgx.Row) (model.ScriptDefinition, error) {
	var (
		d           model.ScriptDefinition
		tagsJSON    []byte
		inputsJSON  []byte
		outputsJSON []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &tagsJSON, &inputsJSON, &outputsJSON, &d.Source); err != nil {
		return model.ScriptDefinition{}, err
	}
	if err := json.Unmarshal(tagsJSON, &d.Tags); err != nil {
		return model.ScriptDefinition{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(inputsJSON, &d.Inputs); err != nil {
		return model.ScriptDefinition{}, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &d.Outputs); err != nil {
		return model.ScriptDefinition{}, fmt.Errorf("decode outputs: %w", err)
	}
	return d, nil
}

// ScriptDefinition implements store.DefinitionStore.
func (db *DB) ScriptDefinition(ctx context.Context, id string) (model.ScriptDefinition, error) {
	d, err := scanScript(db.pool.QueryRow(ctx,
		`SELECT `+scriptColumns+` FROM scripts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ScriptDefinition{}, &model.NotFoundError{Entity: "script", ID: id}
		}
		return model.ScriptDefinition{}, fmt.Errorf("storage: get script: %w", err)
	}
	return d, nil
}

const reportColumns = `id, name, description, tags, inputs, template`

func scanReport(row pgx.Row) (model.ReportDefinition, error) {
	var (
		d          model.ReportDefinition
		tagsJSON   []byte
		inputsJSON []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &tagsJSON, &inputsJSON, &d.Template); err != nil {
		return model.ReportDefinition{}, err
	}
	if err := json.Unmarshal(tagsJSON, &d.Tags); err != nil {
		return model.ReportDefinition{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(inputsJSON, &d.Inputs); err != nil {
		return model.ReportDefinition{}, fmt.Errorf("decode inputs: %w", err)
	}
	return d, nil
}

// ReportDefinition implements store.DefinitionStore.
func (db *DB) ReportDefinition(ctx context.Context, id string) (model.ReportDefinition, error) {
	d, err := scanReport(db.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ReportDefinition{}, &model.NotFoundError{Entity: "report", ID: id}
		}
		return model.ReportDefinition{}, fmt.Errorf("storage: get report: %w", err)
	}
	return d, nil
}

// tagFilter builds the jsonb containment argument for a tag query. The tag
// index is a boolean map, so membership is containment of {"tag": true}.
func tagFilter(tag string) ([]byte, error) {
	return json.Marshal(model.Tags{tag: true})
}

// ListScripts implements store.DefinitionStore. An empty tag lists
// everything; tag queries use the gin index via jsonb containment.
func (db *DB) ListScripts(ctx context.Context, tag string) ([]model.ScriptDefinition, error) {
	query := `SELECT ` + scriptColumns + ` FROM scripts ORDER BY id`
	args := []any{}
	if tag != "" {
		filter, err := tagFilter(tag)
		if err != nil {
			return nil, fmt.Errorf("storage: encode tag filter: %w", err)
		}
		query = `SELECT ` + scriptColumns + ` FROM scripts WHERE tags @> $1::jsonb ORDER BY id`
		args = append(args, filter)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list scripts: %w", err)
	}
	defer rows.Close()

	var out []model.ScriptDefinition
	for rows.Next() {
		d, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan script: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListReports implements store.DefinitionStore. An empty tag lists everything.
func (db *DB) ListReports(ctx context.Context, tag string) ([]model.ReportDefinition, error) {
	query := `SELECT ` + reportColumns + ` FROM reports ORDER BY id`
	args := []any{}
	if tag != "" {
		filter, err := tagFilter(tag)
		if err != nil {
			return nil, fmt.Errorf("storage: encode tag filter: %w", err)
		}
		query = `SELECT ` + reportColumns + ` FROM reports WHERE tags @> $1::jsonb ORDER BY id`
		args = append(args, filter)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list reports: %w", err)
	}
	defer rows.Close()

	var out []model.ReportDefinition
	for rows.Next() {
		d, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan report: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutAttributeDefinition implements store.DefinitionStore.
func (db *DB) PutAttributeDefinition(ctx context.Context, d model.AttributeDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	tagsJSON, producersJSON, err := encodeTagsAnd(d.Tags, d.Producers)
	if err != nil {
		return fmt.Errorf("storage: put attribute definition: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO attribute_definitions (id, name, description, tags, producers)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     description = EXCLUDED.description,
		     tags = EXCLUDED.tags,
		     producers = EXCLUDED.producers,
		     updated_at = now()`,
		d.ID, d.Name, d.Description, tagsJSON, producersJSON)
	if err != nil {
		return fmt.Errorf("storage: put attribute definition: %w", err)
	}
	return nil
}

// PutScriptDefinition implements store.DefinitionStore.
func (db *DB) PutScriptDefinition(ctx context.Context, d model.ScriptDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	tagsJSON, err := encodeTags(d.Tags)
	if err != nil {
		return fmt.Errorf("storage: put script: %w", err)
	}
	inputsJSON, err := encodeSlots(d.Inputs)
	if err != nil {
		return fmt.Errorf("storage: put script: %w", err)
	}
	outputsJSON, err := encodeSlots(d.Outputs)
	if err != nil {
		return fmt.Errorf("storage: put script: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO scripts (id, name, description, tags, inputs, outputs, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     description = EXCLUDED.description,
		     tags = EXCLUDED.tags,
		     inputs = EXCLUDED.inputs,
		     outputs = EXCLUDED.outputs,
		     source = EXCLUDED.source,
		     updated_at = now()`,
		d.ID, d.Name, d.Description, tagsJSON, inputsJSON, outputsJSON, d.Source)
	if err != nil {
		return fmt.Errorf("storage: put script: %w", err)
	}
	return nil
}

// PutReportDefinition implements store.DefinitionStore.
func (db *DB) PutReportDefinition(ctx context.Context, d model.ReportDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	tagsJSON, err := encodeTags(d.Tags)
	if err != nil {
		return fmt.Errorf("storage: put report: %w", err)
	}
	inputsJSON, err := encodeSlots(d.Inputs)
	if err != nil {
		return fmt.Errorf("storage: put report: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO reports (id, name, description, tags, inputs, template)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     description = EXCLUDED.description,
		     tags = EXCLUDED.tags,
		     inputs = EXCLUDED.inputs,
		     template = EXCLUDED.template,
		     updated_at = now()`,
		d.ID, d.Name, d.Description, tagsJSON, inputsJSON, d.Template)
	if err != nil {
		return fmt.Errorf("storage: put report: %w", err)
	}
	return nil
}

// jsonb columns default to '{}' / '[]'; nil maps and slices encode the same
// way so reads round-trip to empty.
func encodeTags(tags model.Tags) ([]byte, error) {
	if tags == nil {
		tags = model.Tags{}
	}
	return json.Marshal(tags)
}

func encodeSlots(slots []model.IOSlot) ([]byte, error) {
	if slots == nil {
		slots = []model.IOSlot{}
	}
	return json.Marshal(slots)
}

func encodeTagsAnd(tags model.Tags, producers []string) (tagsJSON, producersJSON []byte, err error) {
	tagsJSON, err = encodeTags(tags)
	if err != nil {
		return nil, nil, err
	}
	if producers == nil {
		producers = []string{}
	}
	producersJSON, err = json.Marshal(producers)
	if err != nil {
		return nil, nil, err
	}
	return tagsJSON, producersJSON, nil
}
