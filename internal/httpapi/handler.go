// Package httpapi serves read-only derivative lookups over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/internal/registry"
)

// DerivativeHandler handles HTTP requests for derivatives
type DerivativeHandler struct {
	lookup *registry.Lookup
	logger *slog.Logger
}

func NewDerivativeHandler(lookup *registry.Lookup, logger *slog.Logger) *DerivativeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DerivativeHandler{lookup: lookup, logger: logger}
}

// Routes returns the asset-scoped derivative routes
func (h *DerivativeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}/derivatives", h.ListDerivatives)
	r.Get("/{id}/derivatives/{profile}", h.GetDerivative)
	r.Get("/{id}/preferred", h.GetPreferred)

	return r
}

// NewRouter mounts the API plus health and metrics endpoints.
func NewRouter(h *DerivativeHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/v1/assets", h.Routes())
	return r
}

// DerivativeResponse is the response body for a derivative
type DerivativeResponse struct {
	ID            string    `json:"id"`
	SourceAssetID string    `json:"source_asset_id"`
	Profile       string    `json:"profile"`
	Bucket        string    `json:"bucket"`
	Key           string    `json:"key"`
	URL           string    `json:"url"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Size          int64     `json:"size"`
	Quality       int       `json:"quality"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PreferredResponse is the response body for a platform lookup
type PreferredResponse struct {
	AssetID  string `json:"asset_id"`
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

// ListDerivatives returns every derivative of an asset
func (h *DerivativeHandler) ListDerivatives(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}

	derivatives, err := h.lookup.GetDerivatives(r.Context(), id)
	if err != nil {
		h.logger.Error("list derivatives failed", "asset_id", id.String(), "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]DerivativeResponse, 0, len(derivatives))
	for _, d := range derivatives {
		resp = append(resp, toResponse(d))
	}
	render.JSON(w, r, resp)
}

// GetDerivative returns one profile of an asset
func (h *DerivativeHandler) GetDerivative(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	profile := strings.ToLower(chi.URLParam(r, "profile"))

	d, err := h.lookup.GetDerivativeByProfile(r.Context(), id, profile)
	if err != nil {
		h.logger.Error("get derivative failed", "asset_id", id.String(), "profile", profile, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if d == nil {
		http.Error(w, "Derivative not found", http.StatusNotFound)
		return
	}
	render.JSON(w, r, toResponse(d))
}

// GetPreferred resolves the best derivative URL for ?platform=
func (h *DerivativeHandler) GetPreferred(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	platform := r.URL.Query().Get("platform")

	url, found, err := h.lookup.GetPreferredDerivativeURL(r.Context(), id, platform)
	if err != nil {
		h.logger.Error("preferred lookup failed", "asset_id", id.String(), "platform", platform, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "No derivatives for asset", http.StatusNotFound)
		return
	}

	render.JSON(w, r, PreferredResponse{AssetID: id.String(), Platform: platform, URL: url})
}

func assetID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid asset ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func toResponse(d *media.Derivative) DerivativeResponse {
	return DerivativeResponse{
		ID:            d.ID.String(),
		SourceAssetID: d.SourceAssetID.String(),
		Profile:       d.Profile,
		Bucket:        d.Bucket,
		Key:           d.Key,
		URL:           d.URL,
		Width:         d.Width,
		Height:        d.Height,
		Size:          d.Size,
		Quality:       d.Quality,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
