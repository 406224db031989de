package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/scribe-engine/internal/models"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// ModelCatalog is the offline model registry as seen by the API.
type ModelCatalog interface {
	Choices() []models.Choice
	Get(id string) (models.Descriptor, bool)
	Default() (string, error)
	Refresh() int
}

// BackendLister lists recognition backends.
type BackendLister interface {
	Backends() []transcribe.BackendInfo
}

type ModelsHandler struct {
	catalog  ModelCatalog
	backends BackendLister
}

func NewModelsHandler(catalog ModelCatalog, backends BackendLister) *ModelsHandler {
	return &ModelsHandler{catalog: catalog, backends: backends}
}

// ModelsResponse lists offline models in picker order.
type ModelsResponse struct {
	Models  []models.Choice `json:"models"`
	Default string          `json:"default,omitempty"`
}

// ListModels handles GET /api/v1/models.
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{Models: h.catalog.Choices()}
	if resp.Models == nil {
		resp.Models = []models.Choice{}
	}
	if def, err := h.catalog.Default(); err == nil {
		resp.Default = def
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetModel handles GET /api/v1/models/{id}.
func (h *ModelsHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	d, ok := h.catalog.Get(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "model not found")
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// RefreshModels handles POST /api/v1/models/refresh: rescans the models
// directory now instead of waiting for the next query after invalidation.
func (h *ModelsHandler) RefreshModels(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]int{"count": h.catalog.Refresh()})
}

// ListBackends handles GET /api/v1/backends.
func (h *ModelsHandler) ListBackends(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"backends": h.backends.Backends()})
}

// Routes registers the read-only model routes.
func (h *ModelsHandler) Routes(r chi.Router) {
	r.Get("/models", h.ListModels)
	r.Get("/models/{id}", h.GetModel)
	r.Get("/backends", h.ListBackends)
}

// AdminRoutes registers routes that change server state.
func (h *ModelsHandler) AdminRoutes(r chi.Router) {
	r.Post("/models/refresh", h.RefreshModels)
}
