package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

const templateColumns = `id, name, category, subject, html_body, text_body, variables, created_at, updated_at`

// TemplateStorage implements templates.Storage.
type TemplateStorage struct {
	db DB
}

func NewTemplateStorage(db DB) *TemplateStorage {
	return &TemplateStorage{db: db}
}

func (s *TemplateStorage) Create(ctx context.Context, t templates.Template) error {
	vars, err := jsonArg(t.Variables, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode template variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.Category, t.Subject, t.HTMLBody, t.TextBody, vars, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return templates.ErrDuplicateName
		}
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

func (s *TemplateStorage) Get(ctx context.Context, id string) (templates.Template, error) {
	return s.getBy(ctx, "id", id)
}

func (s *TemplateStorage) GetByName(ctx context.Context, name string) (templates.Template, error) {
	return s.getBy(ctx, "name", name)
}

// column is one of the fixed names above, never user input.
func (s *TemplateStorage) getBy(ctx context.Context, column, value string) (templates.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE `+column+` = $1`, value)
	t, err := scanTemplate(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return templates.Template{}, templates.ErrNotFound
		}
		return templates.Template{}, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

func (s *TemplateStorage) ListByCategory(ctx context.Context, category string) ([]templates.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM email_templates
		WHERE category = $1 ORDER BY name`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	list := make([]templates.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *TemplateStorage) Update(ctx context.Context, t templates.Template) error {
	vars, err := jsonArg(t.Variables, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode template variables: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_templates
		SET name = $2, category = $3, subject = $4, html_body = $5, text_body = $6, variables = $7, updated_at = $8
		WHERE id = $1`,
		t.ID, t.Name, t.Category, t.Subject, t.HTMLBody, t.TextBody, vars, t.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return templates.ErrDuplicateName
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	if !ok {
		return templates.ErrNotFound
	}
	return nil
}

func (s *TemplateStorage) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM email_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if !ok {
		return templates.ErrNotFound
	}
	return nil
}

func scanTemplate(row scanner) (templates.Template, error) {
	var (
		t    templates.Template
		vars []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Category, &t.Subject, &t.HTMLBody, &t.TextBody, &vars, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return templates.Template{}, err
	}
	if err := json.Unmarshal(vars, &t.Variables); err != nil {
		return templates.Template{}, fmt.Errorf("failed to decode template variables: %w", err)
	}
	return t, nil
}
