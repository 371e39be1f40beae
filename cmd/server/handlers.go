package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// maxRequestBody bounds inbound payloads; video submissions carry inline
// media references, not media bytes.
const maxRequestBody = 10 << 20

type handler struct {
	gw     *llmgate.Gateway
	cfg    *config.Config
	logger *observability.Logger
}

func newHandler(gw *llmgate.Gateway, cfg *config.Config, logger *observability.Logger) *handler {
	return &handler{gw: gw, cfg: cfg, logger: logger}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// chat serves the three body-addressed chat surfaces; the signature comes
// from the route, the model and stream flag from the body.
func (h *handler) chat(sig llmgate.Signature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			h.writeError(w, sig, gwerrors.NewInvalidRequestError("", "", "read request body failed"))
			return
		}

		var envelope struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Model == "" {
			h.writeError(w, sig, gwerrors.NewInvalidRequestError("", "", "request body needs a model"))
			return
		}

		req := &llmgate.Request{
			ClientSig: sig,
			Model:     envelope.Model,
			Caller:    callerFromHeaders(r.Header),
			Headers:   r.Header,
			Body:      body,
		}
		if envelope.Stream {
			h.stream(w, r, req)
			return
		}
		h.complete(w, r, req)
	}
}

// gemini serves the path-addressed Gemini surface: the final path segment is
// "model:action".
func (h *handler) gemini(w http.ResponseWriter, r *http.Request) {
	model, action, ok := strings.Cut(r.PathValue("model"), ":")
	if !ok || model == "" {
		h.writeError(w, llmgate.Sig(llmgate.FamilyGemini, llmgate.KindChat),
			gwerrors.NewInvalidRequestError("", "", "path needs model:action"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeError(w, llmgate.Sig(llmgate.FamilyGemini, llmgate.KindChat),
			gwerrors.NewInvalidRequestError("", model, "read request body failed"))
		return
	}

	req := &llmgate.Request{
		Model:   model,
		Caller:  callerFromHeaders(r.Header),
		Headers: r.Header,
		Body:    body,
	}

	switch action {
	case "generateContent":
		req.ClientSig = llmgate.Sig(llmgate.FamilyGemini, llmgate.KindChat)
		h.complete(w, r, req)
	case "streamGenerateContent":
		req.ClientSig = llmgate.Sig(llmgate.FamilyGemini, llmgate.KindChat)
		h.stream(w, r, req)
	case "predictLongRunning":
		req.ClientSig = llmgate.Sig(llmgate.FamilyGemini, llmgate.KindVideo)
		h.submitVideo(w, r, req)
	default:
		h.writeError(w, llmgate.Sig(llmgate.FamilyGemini, llmgate.KindChat),
			gwerrors.NewInvalidRequestError("", model, fmt.Sprintf("unsupported action %q", action)))
	}
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request, req *llmgate.Request) {
	resp, err := h.gw.Complete(r.Context(), req)
	if err != nil {
		h.writeError(w, req.ClientSig, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", resp.RequestID)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request, req *llmgate.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, req.ClientSig, gwerrors.NewInternalError("", req.Model, "response writer cannot stream"))
		return
	}

	sink := &responseSink{w: w, fl: fl}
	res, err := h.gw.Stream(r.Context(), req, llmgate.StreamOptions{
		Sink: sink,
		IsDisconnected: func() bool {
			return r.Context().Err() != nil
		},
		OnFirstOutput: func() {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		},
	})
	if err != nil && res == nil {
		// Nothing reached the wire; a regular error answer is still possible.
		h.writeError(w, req.ClientSig, err)
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("stream ended with error after first byte",
			"request_id", requestID(res), "error", err)
	}
}

func (h *handler) submitVideo(w http.ResponseWriter, r *http.Request, req *llmgate.Request) {
	task, err := h.gw.SubmitVideo(r.Context(), req)
	if err != nil {
		h.writeError(w, req.ClientSig, err)
		return
	}

	// Poll to completion in the background; billing lands at finalization.
	go func() {
		if err := h.gw.PollVideo(context.Background(), task.ID); err != nil {
			h.logger.Warn("video poll ended with error", "task_id", task.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"name":    task.Operation,
		"task_id": task.ID,
	})
}

func (h *handler) videoTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.gw.GetVideoTask(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":      task.ID,
		"state":        task.State,
		"operation":    task.Operation,
		"artifact_url": task.ArtifactURL,
		"cost_usd":     task.CostUSD,
		"error":        task.Error,
	})
}

func (h *handler) cancelVideoTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.gw.GetVideoTask(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	h.gw.CancelVideo(id)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "state": llmgate.TaskCancelled})
}

// writeError renders a gateway error in the caller's wire format family.
func (h *handler) writeError(w http.ResponseWriter, sig llmgate.Signature, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	errType := gwerrors.TypeInternalError

	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		status = ge.HTTPStatusCode()
		message = ge.Message
		errType = ge.Type
	}
	if errors.Is(err, context.Canceled) {
		status = 499
		message = "request cancelled"
	}

	var payload map[string]any
	switch sig.Family {
	case llmgate.FamilyClaude:
		payload = map[string]any{
			"type":  "error",
			"error": map[string]any{"type": errType, "message": message},
		}
	case llmgate.FamilyGemini:
		payload = map[string]any{
			"error": map[string]any{"code": status, "message": message, "status": errType},
		}
	default:
		payload = map[string]any{
			"error": map[string]any{"type": errType, "message": message, "code": status},
		}
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// callerFromHeaders trusts upstream-auth headers; the ingress sits behind the
// platform's authentication proxy.
func callerFromHeaders(h http.Header) store.CallerIdentity {
	apiKeyID := h.Get("X-Api-Key-Id")
	affinity := h.Get("X-Affinity-Key")
	if affinity == "" {
		affinity = apiKeyID
	}
	return store.CallerIdentity{
		AffinityKey:         affinity,
		UserID:              h.Get("X-User-Id"),
		APIKeyID:            apiKeyID,
		KeyAllowedFormats:   splitHeaderList(h.Get("X-Allowed-Formats")),
		KeyAllowedModels:    splitHeaderList(h.Get("X-Allowed-Models")),
		KeyAllowedProviders: splitHeaderList(h.Get("X-Allowed-Providers")),
	}
}

func splitHeaderList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestID(res *llmgate.StreamResult) string {
	if res == nil {
		return ""
	}
	return res.RequestID
}

// responseSink adapts the HTTP response writer to the gateway's stream sink.
type responseSink struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func (s *responseSink) Write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *responseSink) Flush() { s.fl.Flush() }
