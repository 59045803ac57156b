package httpapi

import (
	"encoding/json"
	"net/http"
)

// emailEvents accepts a provider batch. A 500 tells the provider to
// redeliver the whole batch.
func (a *api) emailEvents(r *http.Request) Response {
	var batch []json.RawMessage
	if err := decodeJSON(r, &batch); err != nil {
		return JSONError(err)
	}
	if err := a.Webhooks.HandleWebhook(r.Context(), batch); err != nil {
		return a.fail(r, err)
	}
	return JSON(map[string]int{"received": len(batch)})
}
