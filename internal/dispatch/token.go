package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// oauthConfig is the auth_config payload of an oauth-typed key.
type oauthConfig struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	TokenURL     string    `json:"token_url"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
}

// tokenSources caches one oauth2.TokenSource per key so refreshes are shared
// across requests.
var tokenSources = struct {
	mu sync.Mutex
	m  map[string]oauth2.TokenSource
}{m: make(map[string]oauth2.TokenSource)}

// resolveCredential returns the string credential to place in the auth header
// or query. API-key typed keys pass through; oauth keys go through a cached
// refreshing token source.
func resolveCredential(ctx context.Context, key *store.ProviderAPIKey) (string, error) {
	if key.AuthType != store.AuthOAuth {
		return key.APIKey, nil
	}

	ts, err := tokenSourceFor(ctx, key)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", gwerrors.NewAuthenticationError("", "",
			fmt.Sprintf("refresh oauth token for key %s: %v", key.ID, err)).WithCause(err)
	}
	return tok.AccessToken, nil
}

func tokenSourceFor(ctx context.Context, key *store.ProviderAPIKey) (oauth2.TokenSource, error) {
	tokenSources.mu.Lock()
	defer tokenSources.mu.Unlock()

	if ts, ok := tokenSources.m[key.ID]; ok {
		return ts, nil
	}

	var cfg oauthConfig
	if err := json.Unmarshal(key.AuthConfig, &cfg); err != nil {
		return nil, gwerrors.NewAuthenticationError("", "",
			fmt.Sprintf("decode oauth config for key %s: %v", key.ID, err))
	}

	tok := &oauth2.Token{
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		Expiry:       cfg.Expiry,
		TokenType:    "Bearer",
	}

	var ts oauth2.TokenSource
	if cfg.TokenURL == "" || cfg.RefreshToken == "" {
		ts = oauth2.StaticTokenSource(tok)
	} else {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		ts = oauth2.ReuseTokenSource(tok, oc.TokenSource(ctx, tok))
	}
	tokenSources.m[key.ID] = ts
	return ts, nil
}
