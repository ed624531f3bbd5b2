// Package postgres loads kit definitions from the reasoning_kits,
// kit_versions, resources, workflow_steps and tools tables, and imports new
// kit versions into them.
//
// Static resource text lives in object storage under
// {kit_id}/{version_id}/resources/{filename}; the extracted_text column is
// the fallback when the object cannot be read.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/extract"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
)

type (
	// Fetcher reads stored resource files.
	Fetcher interface {
		Fetch(ctx context.Context, key string) (data []byte, mimeType string, err error)
	}

	// Loader implements kit.Loader.
	Loader struct {
		db        *sql.DB
		objects   Fetcher
		extractor extract.Extractor
		logger    telemetry.Logger
	}

	// Option configures a Loader.
	Option func(*Loader)

	// Summary describes a kit and its current version.
	Summary struct {
		Ref         kit.VersionRef
		Name        string
		Description string
	}
)

var _ kit.Loader = (*Loader)(nil)

// WithObjects sets the object store holding resource files. Without it the
// loader reads extracted_text only.
func WithObjects(f Fetcher) Option { return func(l *Loader) { l.objects = f } }

// WithExtractor sets the extractor used on downloaded files.
func WithExtractor(x extract.Extractor) Option { return func(l *Loader) { l.extractor = x } }

// WithLogger sets the logger.
func WithLogger(lg telemetry.Logger) Option { return func(l *Loader) { l.logger = lg } }

// New returns a Loader reading from db.
func New(db *sql.DB, opts ...Option) (*Loader, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	l := &Loader{db: db, extractor: extract.Default{}, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// LoadKit loads ref.VersionID when set, otherwise the current version of the
// kit named by ref.Slug.
func (l *Loader) LoadKit(ctx context.Context, ref kit.VersionRef) (*kit.Definition, error) {
	def := &kit.Definition{}
	var desc sql.NullString
	var row *sql.Row
	switch {
	case ref.VersionID != "":
		row = l.db.QueryRowContext(ctx, `
			SELECT v.id, v.kit_id, v.version_number, k.slug, k.name, k.description
			FROM kit_versions v JOIN reasoning_kits k ON k.id = v.kit_id
			WHERE v.id = $1 AND ($2::text = '' OR k.slug = $2::text)`, ref.VersionID, ref.Slug)
	case ref.Slug != "":
		row = l.db.QueryRowContext(ctx, `
			SELECT v.id, v.kit_id, v.version_number, k.slug, k.name, k.description
			FROM reasoning_kits k JOIN kit_versions v ON v.id = k.current_version_id
			WHERE k.slug = $1`, ref.Slug)
	default:
		return nil, kit.NewValidationError("version", "a kit slug or version id is required")
	}
	err := row.Scan(&def.Ref.VersionID, &def.Ref.KitID, &def.Ref.VersionNumber, &def.Ref.Slug, &def.Name, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", kit.ErrNotFound, describe(ref))
	}
	if err != nil {
		return nil, fmt.Errorf("load kit version: %w", err)
	}
	if def.Resources, err = l.resources(ctx, def.Ref); err != nil {
		return nil, err
	}
	if def.Steps, err = l.steps(ctx, def.Ref.VersionID); err != nil {
		return nil, err
	}
	if def.Tools, err = l.tools(ctx, def.Ref.VersionID); err != nil {
		return nil, err
	}
	return def, nil
}

// List returns public kits that have a current version, ordered by slug.
func (l *Loader) List(ctx context.Context) ([]Summary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT k.id, k.slug, k.name, k.description, v.id, v.version_number
		FROM reasoning_kits k JOIN kit_versions v ON v.id = k.current_version_id
		WHERE k.is_public ORDER BY k.slug`)
	if err != nil {
		return nil, fmt.Errorf("list kits: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Summary
	for rows.Next() {
		var (
			s    Summary
			desc sql.NullString
		)
		if err := rows.Scan(&s.Ref.KitID, &s.Ref.Slug, &s.Name, &desc, &s.Ref.VersionID, &s.Ref.VersionNumber); err != nil {
			return nil, fmt.Errorf("list kits: %w", err)
		}
		s.Description = desc.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *Loader) resources(ctx context.Context, ref kit.VersionRef) ([]kit.Resource, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT resource_number, filename, mime_type, storage_path, extracted_text, is_dynamic, display_name
		FROM resources WHERE version_id = $1 ORDER BY resource_number`, ref.VersionID)
	if err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	type stored struct {
		res       kit.Resource
		path      string
		extracted string
	}
	var all []stored
	for rows.Next() {
		var (
			s                   stored
			mime, text, display sql.NullString
		)
		if err := rows.Scan(&s.res.Number, &s.res.Filename, &mime, &s.path, &text, &s.res.Dynamic, &display); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("load resources: %w", err)
		}
		s.res.MimeType, s.extracted, s.res.DisplayName = mime.String, text.String, display.String
		s.res.Link = s.path
		all = append(all, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]kit.Resource, 0, len(all))
	for _, s := range all {
		if !s.res.Dynamic {
			s.res.Content = l.content(ctx, s.path, s.res.MimeType, s.extracted)
		}
		out = append(out, s.res)
	}
	return out, nil
}

// content downloads and extracts a resource, falling back to the stored
// extracted text.
func (l *Loader) content(ctx context.Context, path, mimeType, fallback string) string {
	if l.objects == nil || path == "" {
		return fallback
	}
	data, mt, err := l.objects.Fetch(ctx, path)
	if err != nil {
		l.logger.Warn(ctx, "resource download failed, using extracted text", "path", path, "err", err)
		return fallback
	}
	if mimeType == "" {
		mimeType = mt
	}
	if mimeType == "" {
		mimeType = extract.DetectMimeType(path)
	}
	text, err := l.extractor.ExtractText(ctx, data, mimeType)
	if err != nil {
		l.logger.Warn(ctx, "resource extraction failed, using extracted text", "path", path, "err", err)
		return fallback
	}
	return text
}

func (l *Loader) steps(ctx context.Context, versionID string) ([]kit.Step, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT step_number, prompt_template, display_name
		FROM workflow_steps WHERE version_id = $1 ORDER BY step_number`, versionID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []kit.Step
	for rows.Next() {
		var (
			s       kit.Step
			display sql.NullString
		)
		if err := rows.Scan(&s.Number, &s.Prompt, &display); err != nil {
			return nil, fmt.Errorf("load steps: %w", err)
		}
		s.DisplayName = display.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *Loader) tools(ctx context.Context, versionID string) ([]kit.ToolAttachment, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT tool_number, tool_name, display_name, configuration
		FROM tools WHERE version_id = $1 ORDER BY tool_number`, versionID)
	if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []kit.ToolAttachment
	for rows.Next() {
		var (
			t             kit.ToolAttachment
			display, conf sql.NullString
		)
		if err := rows.Scan(&t.Number, &t.ToolName, &display, &conf); err != nil {
			return nil, fmt.Errorf("load tools: %w", err)
		}
		t.DisplayName = display.String
		if conf.Valid && conf.String != "" {
			t.Configuration = json.RawMessage(conf.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func describe(ref kit.VersionRef) string {
	if ref.VersionID != "" {
		return "version " + ref.VersionID
	}
	return "kit " + ref.Slug
}
