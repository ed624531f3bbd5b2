package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/extract"
)

type (
	// Putter stores resource files.
	Putter interface {
		Put(ctx context.Context, key string, data []byte, mimeType string) error
	}

	// ImportRequest describes a kit version to publish.
	ImportRequest struct {
		// Slug identifies the kit. A kit is created when none has the slug.
		Slug        string
		Description string
		Definition  *kit.Definition
		// CommitMessage is stored with the version.
		CommitMessage string
		// Draft versions do not become the kit's current version.
		Draft bool
		// Owner is the creating user. Optional.
		Owner string
	}
)

// ResourcePath returns the object key of a resource file.
func ResourcePath(kitID, versionID, filename string) string {
	return kitID + "/" + versionID + "/resources/" + path.Base(filename)
}

// Import stores req.Definition as the next version of the kit and returns its
// reference. Static resource content is uploaded through objects when set and
// always kept in extracted_text.
func Import(ctx context.Context, db *sql.DB, objects Putter, req ImportRequest) (kit.VersionRef, error) {
	def := req.Definition
	if strings.TrimSpace(req.Slug) == "" {
		return kit.VersionRef{}, kit.NewValidationError("slug", "slug is required")
	}
	if err := def.Validate(); err != nil {
		return kit.VersionRef{}, err
	}
	name := def.Name
	if name == "" {
		name = req.Slug
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return kit.VersionRef{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ref := kit.VersionRef{Slug: req.Slug, VersionID: uuid.NewString()}
	err = tx.QueryRowContext(ctx, `SELECT id FROM reasoning_kits WHERE slug = $1 FOR UPDATE`, req.Slug).Scan(&ref.KitID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ref.KitID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reasoning_kits (id, slug, name, description, owner_id)
			VALUES ($1, $2, $3, $4, $5)`,
			ref.KitID, req.Slug, name, nullString(req.Description), nullString(req.Owner)); err != nil {
			return kit.VersionRef{}, fmt.Errorf("create kit: %w", err)
		}
	case err != nil:
		return kit.VersionRef{}, fmt.Errorf("lock kit: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM kit_versions WHERE kit_id = $1`, ref.KitID).Scan(&ref.VersionNumber); err != nil {
		return kit.VersionRef{}, fmt.Errorf("next version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kit_versions (id, kit_id, version_number, commit_message, created_by, is_draft)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ref.VersionID, ref.KitID, ref.VersionNumber, nullString(req.CommitMessage), nullString(req.Owner), req.Draft); err != nil {
		return kit.VersionRef{}, fmt.Errorf("create version: %w", err)
	}
	for _, r := range def.Resources {
		filename := r.Filename
		if filename == "" {
			filename = fmt.Sprintf("resource_%d.txt", r.Number)
			if r.Dynamic {
				filename = "dynamic_" + filename
			}
		}
		mimeType := r.MimeType
		if mimeType == "" {
			mimeType = extract.DetectMimeType(filename)
		}
		key := ResourcePath(ref.KitID, ref.VersionID, filename)
		if objects != nil && !r.Dynamic {
			if err := objects.Put(ctx, key, []byte(r.Content), mimeType); err != nil {
				return kit.VersionRef{}, fmt.Errorf("upload resource %d: %w", r.Number, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resources (id, version_id, resource_number, filename, mime_type, storage_path,
				extracted_text, file_size_bytes, is_dynamic, display_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.NewString(), ref.VersionID, r.Number, filename, mimeType, key,
			nullString(r.Content), len(r.Content), r.Dynamic, nullString(r.DisplayName)); err != nil {
			return kit.VersionRef{}, fmt.Errorf("store resource %d: %w", r.Number, err)
		}
	}
	for _, s := range def.Steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, version_id, step_number, prompt_template, display_name)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), ref.VersionID, s.Number, s.Prompt, nullString(s.DisplayName)); err != nil {
			return kit.VersionRef{}, fmt.Errorf("store step %d: %w", s.Number, err)
		}
	}
	for _, t := range def.Tools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tools (id, version_id, tool_number, tool_name, display_name, configuration)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), ref.VersionID, t.Number, t.ToolName, nullString(t.DisplayName), nullString(string(t.Configuration))); err != nil {
			return kit.VersionRef{}, fmt.Errorf("store tool %d: %w", t.Number, err)
		}
	}
	if !req.Draft {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reasoning_kits SET current_version_id = $2, updated_at = now() WHERE id = $1`,
			ref.KitID, ref.VersionID); err != nil {
			return kit.VersionRef{}, fmt.Errorf("publish version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kit.VersionRef{}, err
	}
	return ref, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
