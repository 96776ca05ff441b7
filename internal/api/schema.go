package api

import (
	"net/http"

	"github.com/heartql/heartql/internal/schema"
)

type dictionaryResponse struct {
	Table       string         `json:"table"`
	Description string         `json:"description"`
	Groups      []schema.Group `json:"groups"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NotReady", "schema context is not loaded", true)
		return
	}
	writeJSON(w, http.StatusOK, deps.Schema)
}

func handleDictionary(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NotReady", "schema context is not loaded", true)
		return
	}
	writeJSON(w, http.StatusOK, dictionaryResponse{
		Table:       deps.Schema.Table(),
		Description: deps.Schema.Description(),
		Groups:      deps.Schema.Groups(),
	})
}
