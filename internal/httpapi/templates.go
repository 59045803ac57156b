package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/notifykit/internal/templates"
)

func (a *api) listTemplates(r *http.Request) Response {
	list, err := a.Templates.ListByCategory(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(list)
}

func (a *api) getTemplate(r *http.Request) Response {
	t, err := a.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(t)
}

func (a *api) createTemplate(r *http.Request) Response {
	var t templates.Template
	if err := decodeJSON(r, &t); err != nil {
		return JSONError(err)
	}
	t.ID = ""
	created, err := a.Templates.Create(r.Context(), t)
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(created, WithStatus(http.StatusCreated))
}

func (a *api) updateTemplate(r *http.Request) Response {
	var t templates.Template
	if err := decodeJSON(r, &t); err != nil {
		return JSONError(err)
	}
	t.ID = chi.URLParam(r, "id")
	updated, err := a.Templates.Update(r.Context(), t)
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(updated)
}

func (a *api) deleteTemplate(r *http.Request) Response {
	if err := a.Templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		return a.fail(r, err)
	}
	return Empty()
}

// renderTemplate previews a stored template with the posted variables.
func (a *api) renderTemplate(r *http.Request) Response {
	var vars map[string]any
	if err := decodeJSON(r, &vars); err != nil {
		return JSONError(err)
	}
	t, err := a.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return a.fail(r, err)
	}
	out, err := a.Templates.Render(t, vars)
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(out)
}
