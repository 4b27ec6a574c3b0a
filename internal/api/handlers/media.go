package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/nextconvert/composer/internal/shared/storage"
	"go.uber.org/zap"
)

// PresetCatalog lists export presets and formats. *media.Module satisfies it.
type PresetCatalog interface {
	GetPresets() []media.Preset
	GetPreset(id string) (*media.Preset, error)
	GetSupportedFormats() map[string][]media.FormatInfo
}

// Prober reads media metadata. *media.Processor satisfies it.
type Prober interface {
	Probe(ctx context.Context, inputPath string) (*media.MediaInfo, error)
}

// InputResolver makes a source locator readable locally.
// *storage.Service satisfies it.
type InputResolver interface {
	PrepareInputForProcessing(ctx context.Context, locator string) (string, func(), error)
}

// MediaHandler handles preset, format and probe endpoints
type MediaHandler struct {
	catalog  PresetCatalog
	prober   Prober
	resolver InputResolver
	logger   *zap.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(catalog PresetCatalog, prober Prober, resolver InputResolver, logger *zap.Logger) *MediaHandler {
	return &MediaHandler{
		catalog:  catalog,
		prober:   prober,
		resolver: resolver,
		logger:   logger,
	}
}

// ProbeRequest represents a media probe request
type ProbeRequest struct {
	Source string `json:"source"`
}

// Probe extracts metadata from a source
func (h *MediaHandler) Probe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "source is required")
		return
	}
	if err := storage.CheckClientLocator(req.Source); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SOURCE", err.Error())
		return
	}

	path, cleanup, err := h.resolver.PrepareInputForProcessing(r.Context(), req.Source)
	defer cleanup()
	if err != nil {
		h.logger.Warn("Failed to resolve probe source", zap.String("source", req.Source), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "SOURCE_UNREADABLE", "source could not be read")
		return
	}

	info, err := h.prober.Probe(r.Context(), path)
	if err != nil {
		h.logger.Warn("Failed to probe source", zap.String("source", req.Source), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "SOURCE_UNREADABLE", "source is not a readable media file")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// GetPresets returns all available presets
func (h *MediaHandler) GetPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.GetPresets())
}

// GetPreset returns a specific preset
func (h *MediaHandler) GetPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := h.catalog.GetPreset(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, media.ErrPresetNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "preset not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to get preset")
		return
	}

	writeJSON(w, http.StatusOK, preset)
}

// GetFormats returns supported formats
func (h *MediaHandler) GetFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.GetSupportedFormats())
}
