// Package templates owns the email templates and renders them.
//
// Templates use Go template actions over a map of variables, e.g.
// "Hello {{.first_name}}". Compiled renderers are cached per template id
// and keyed by a fingerprint of the template content, so an update that
// races a render can never serve the previous version.
package templates

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("template not found")
	ErrDuplicateName   = errors.New("template name already exists")
	ErrInvalidTemplate = errors.New("invalid template")
	ErrRender          = errors.New("failed to render template")
)

// Template is a named email layout.
// TextBody is optional; when empty the text part is derived from the HTML.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Subject   string    `json:"subject"`
	HTMLBody  string    `json:"html_body"`
	TextBody  string    `json:"text_body,omitempty"`
	Variables []string  `json:"variables"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Rendered is the output of Store.Render.
type Rendered struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Storage persists templates. Get-style methods return ErrNotFound for
// unknown ids or names; Create returns ErrDuplicateName for a taken name.
type Storage interface {
	Create(ctx context.Context, t Template) error
	Get(ctx context.Context, id string) (Template, error)
	GetByName(ctx context.Context, name string) (Template, error)
	ListByCategory(ctx context.Context, category string) ([]Template, error)
	Update(ctx context.Context, t Template) error
	Delete(ctx context.Context, id string) error
}
