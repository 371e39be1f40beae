// Package dispatch turns a scheduled candidate into an upstream HTTP exchange:
// it renders the request body (translating wire formats when the candidate
// needs conversion), builds the URL and auth headers from endpoint metadata,
// and sends it through pooled transports with typed error mapping.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/format"
	"github.com/blueberrycongee/llmgate/internal/scheduling"
	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

const anthropicVersion = "2023-06-01"

// BuildInput is one attempt's worth of request-building context.
type BuildInput struct {
	Candidate *scheduling.Candidate
	ClientSig types.Signature

	// Body is the caller's request body in the client's wire format, already
	// rectified if the failover engine rewrote it.
	Body []byte

	// IsStream is the caller's streaming intent; UpstreamStream may differ
	// when a handler aggregates a forced upstream stream for a sync caller.
	IsStream       bool
	UpstreamStream bool
}

// Builder renders upstream HTTP requests from candidates.
type Builder struct{}

// Built is a ready-to-send upstream request. Body is kept alongside the
// request so envelopes can rewrite it before send.
type Built struct {
	Request   *http.Request
	Body      []byte
	Converted bool
}

// SetBody replaces the request body, keeping ContentLength consistent.
func (b *Built) SetBody(body []byte) {
	b.Body = body
	b.Request.Body = io.NopCloser(bytes.NewReader(body))
	b.Request.ContentLength = int64(len(body))
	b.Request.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// Build renders the upstream request for one attempt.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Built, error) {
	cand := in.Candidate
	endpointSig := cand.Signature()

	body, converted, err := b.renderBody(in)
	if err != nil {
		return nil, err
	}

	credential, err := resolveCredential(ctx, cand.Key)
	if err != nil {
		return nil, err
	}

	u, err := buildURL(cand.Endpoint, cand.UpstreamModel, credential, in.UpstreamStream)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel,
			fmt.Sprintf("create upstream request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if in.UpstreamStream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if !cand.Endpoint.AuthInQuery {
		setAuthHeader(req.Header, endpointSig.Family, cand.Key.AuthType, credential)
	}
	for k, v := range cand.Endpoint.HeaderRules {
		req.Header.Set(k, v)
	}

	return &Built{Request: req, Body: body, Converted: converted}, nil
}

// renderBody produces the upstream body: translated through Internal when the
// candidate needs conversion, otherwise patched in place (model, stream flag,
// endpoint body-rules).
func (b *Builder) renderBody(in BuildInput) ([]byte, bool, error) {
	cand := in.Candidate

	if cand.NeedsConversion {
		src := format.ForFamily(in.ClientSig.Family)
		dst := format.ForFamily(cand.Endpoint.Family)

		internal, err := src.RequestToInternal(in.Body)
		if err != nil {
			return nil, false, gwerrors.NewFormatConversionError(
				fmt.Sprintf("decode %s request: %v", in.ClientSig, err)).WithCause(err)
		}
		internal.Model = cand.UpstreamModel
		internal.Stream = in.UpstreamStream

		out, err := dst.RequestFromInternal(internal, endpointVariant(cand.Endpoint))
		if err != nil {
			return nil, false, gwerrors.NewFormatConversionError(
				fmt.Sprintf("render %s request: %v", cand.Endpoint.Signature(), err)).WithCause(err)
		}
		out, err = applyBodyRules(out, cand.Endpoint.BodyRules)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(in.Body, &payload); err != nil {
		return nil, false, gwerrors.NewInvalidRequestError(cand.Provider.Name, cand.UpstreamModel,
			fmt.Sprintf("request body is not a JSON object: %v", err))
	}

	if modelInURL(cand.Endpoint) {
		delete(payload, "model")
	} else {
		payload["model"] = cand.UpstreamModel
	}
	// Gemini signals streaming through the URL action, not the body.
	if cand.Endpoint.Family != types.FamilyGemini {
		if in.UpstreamStream {
			payload["stream"] = true
		} else {
			delete(payload, "stream")
		}
	}
	for k, v := range cand.Endpoint.BodyRules {
		payload[k] = json.RawMessage(v)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, false, gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel,
			fmt.Sprintf("encode upstream body: %v", err))
	}
	return out, false, nil
}

// applyBodyRules merges endpoint body-rules into an already-rendered body.
func applyBodyRules(body []byte, rules map[string]json.RawMessage) ([]byte, error) {
	if len(rules) == 0 {
		return body, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, gwerrors.NewInternalError("", "", fmt.Sprintf("reapply body rules: %v", err))
	}
	for k, v := range rules {
		payload[k] = json.RawMessage(v)
	}
	return json.Marshal(payload)
}

func endpointVariant(e *store.Endpoint) string {
	if e.Family == types.FamilyOpenAI && e.Kind == types.KindCLI {
		return "responses"
	}
	return ""
}

func modelInURL(e *store.Endpoint) bool {
	return e.ModelInURL || e.Family == types.FamilyGemini
}

// buildURL joins the endpoint base URL with the family/kind path, placing the
// model in the path and the credential in the query string when the endpoint
// metadata says so.
func buildURL(e *store.Endpoint, model, credential string, stream bool) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(e.BaseURL, "/"))
	if err != nil {
		return "", gwerrors.NewInternalError("", model, fmt.Sprintf("parse base_url: %v", err))
	}

	base.Path += endpointPath(e, model, stream)

	q := base.Query()
	if e.Family == types.FamilyGemini && stream {
		q.Set("alt", "sse")
	}
	if e.AuthInQuery {
		q.Set("key", credential)
	}
	if encoded := q.Encode(); encoded != "" {
		base.RawQuery = encoded
	}
	return base.String(), nil
}

func endpointPath(e *store.Endpoint, model string, stream bool) string {
	switch e.Family {
	case types.FamilyGemini:
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		if e.Kind == types.KindVideo {
			action = "predictLongRunning"
		}
		return "/v1beta/models/" + url.PathEscape(model) + ":" + action
	case types.FamilyClaude:
		return "/v1/messages"
	default:
		switch e.Kind {
		case types.KindCLI:
			return "/v1/responses"
		case types.KindVideo:
			return "/v1/videos"
		default:
			return "/v1/chat/completions"
		}
	}
}

func setAuthHeader(h http.Header, family types.APIFamily, authType store.AuthType, credential string) {
	switch family {
	case types.FamilyClaude:
		if authType == store.AuthOAuth {
			h.Set("Authorization", "Bearer "+credential)
		} else {
			h.Set("x-api-key", credential)
		}
		h.Set("anthropic-version", anthropicVersion)
	case types.FamilyGemini:
		h.Set("x-goog-api-key", credential)
	default:
		h.Set("Authorization", "Bearer "+credential)
	}
}
