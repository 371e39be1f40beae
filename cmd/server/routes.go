package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/llmgate"
	"github.com/blueberrycongee/llmgate/internal/config"
)

func buildMux(h *handler, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", h.health)
	mux.HandleFunc("GET /health/ready", h.health)

	// OpenAI-compatible surfaces.
	mux.HandleFunc("POST /v1/chat/completions", h.chat(llmgate.Sig(llmgate.FamilyOpenAI, llmgate.KindChat)))
	mux.HandleFunc("POST /v1/responses", h.chat(llmgate.Sig(llmgate.FamilyOpenAI, llmgate.KindCLI)))

	// Claude surface.
	mux.HandleFunc("POST /v1/messages", h.chat(llmgate.Sig(llmgate.FamilyClaude, llmgate.KindChat)))

	// Gemini surface: the {model} segment is "model:action".
	mux.HandleFunc("POST /v1beta/models/{model}", h.gemini)

	// Async video tasks.
	mux.HandleFunc("GET /v1/video/tasks/{id}", h.videoTask)
	mux.HandleFunc("POST /v1/video/tasks/{id}/cancel", h.cancelVideoTask)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	return mux
}
