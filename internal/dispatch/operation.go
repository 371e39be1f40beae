package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/blueberrycongee/llmgate/internal/httputil"
	"github.com/blueberrycongee/llmgate/internal/scheduling"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// Operation fetches an async operation document from the candidate's
// endpoint: GET {base}/v1beta/{name}. Used to poll long-running video
// generations.
func (d *Dispatcher) Operation(ctx context.Context, cand *scheduling.Candidate, name string) ([]byte, error) {
	credential, err := resolveCredential(ctx, cand.Key)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimSuffix(cand.Endpoint.BaseURL, "/"))
	if err != nil {
		return nil, gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel,
			fmt.Sprintf("parse base_url: %v", err))
	}
	base.Path += "/v1beta/" + strings.TrimPrefix(name, "/")
	if cand.Endpoint.AuthInQuery {
		q := base.Query()
		q.Set("key", credential)
		base.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel,
			fmt.Sprintf("create operation request: %v", err))
	}
	if !cand.Endpoint.AuthInQuery {
		setAuthHeader(req.Header, cand.Endpoint.Family, cand.Key.AuthType, credential)
	}

	client, err := d.transport.Client(d.proxyFor(BuildInput{Candidate: cand}))
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, MapTransportError(err, cand.Provider.Name, cand.UpstreamModel)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, MapTransportError(err, cand.Provider.Name, cand.UpstreamModel)
	}
	if resp.StatusCode >= 400 {
		return nil, d.classifier.Classify(cand.Provider.Name, cand.UpstreamModel,
			resp.StatusCode, string(capDispatchBody(body)), ParseRetryAfter(resp.Header))
	}
	return body, nil
}
