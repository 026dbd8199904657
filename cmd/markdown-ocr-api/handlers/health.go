package handlers

import (
	"net/http"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
)

// Version is reported by the info and health endpoints.
const Version = "2.0.0"

// HealthHandler reports service and model server state.
type HealthHandler struct {
	logger *observability.Logger
	pinger domain.Pinger
	cfg    *config.Config
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(logger *observability.Logger, pinger domain.Pinger, cfg *config.Config) *HealthHandler {
	return &HealthHandler{logger: logger, pinger: pinger, cfg: cfg}
}

// Root handles GET /.
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "markdown-ocr API: PDF to Markdown with local models",
		"status":  "online",
		"version": Version,
		"features": map[string]bool{
			"vision_processing": h.cfg.LLM.UseVision,
			"text_extraction":   true,
		},
	})
}

// Health handles GET /health. It answers 503 when the model server cannot
// be reached.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	configuration := map[string]any{
		"llm_provider":   h.cfg.LLM.Provider,
		"base_url":       h.cfg.BaseURL(),
		"text_model":     h.cfg.LLM.ModelName,
		"vision_enabled": h.cfg.LLM.UseVision,
	}
	if h.cfg.LLM.UseVision {
		configuration["vision_model"] = h.cfg.VisionModel()
		configuration["pdf_dpi"] = h.cfg.Rendering.ImageDPI
		configuration["image_format"] = h.cfg.Rendering.ImageFormat
	}

	resp := map[string]any{
		"status":        "healthy",
		"version":       Version,
		"configuration": configuration,
		"llm":           "connected",
		"message":       "All systems operational",
	}

	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Model server health check failed")
		resp["status"] = "degraded"
		resp["llm"] = "error"
		resp["llm_error"] = domain.UserMessage(err)
		resp["message"] = "Cannot connect to LLM. Please ensure Ollama or LM Studio is running."
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
