package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/notifykit/internal/preferences"
)

func (a *api) getPreferences(r *http.Request) Response {
	p, err := a.Preferences.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(p)
}

func (a *api) updatePreferences(r *http.Request) Response {
	var u preferences.Update
	if err := decodeJSON(r, &u); err != nil {
		return JSONError(err)
	}
	p, err := a.Preferences.Update(r.Context(), chi.URLParam(r, "userID"), u)
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(p)
}
