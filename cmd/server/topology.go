package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// topologyFile is the YAML shape of the provider topology: which providers
// exist, their endpoints and keys, and how global model names map to
// provider-side models.
type topologyFile struct {
	GlobalModels []globalModelSpec `yaml:"global_models"`
	Providers    []providerSpec    `yaml:"providers"`
}

type globalModelSpec struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Mappings     []string `yaml:"mappings"`
	Capabilities []string `yaml:"capabilities"`
}

type providerSpec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Priority int    `yaml:"priority"`

	BillingType            string        `yaml:"billing_type"`
	Proxy                  string        `yaml:"proxy"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	StreamFirstByteTimeout time.Duration `yaml:"stream_first_byte_timeout"`
	EnableFormatConversion bool          `yaml:"enable_format_conversion"`

	Endpoints []endpointSpec `yaml:"endpoints"`
	Keys      []keySpec      `yaml:"keys"`
	Models    []modelSpec    `yaml:"models"`
}

type endpointSpec struct {
	ID          string            `yaml:"id"`
	Family      string            `yaml:"family"`
	Kind        string            `yaml:"kind"`
	BaseURL     string            `yaml:"base_url"`
	HeaderRules map[string]string `yaml:"header_rules"`
	AuthInQuery bool              `yaml:"auth_in_query"`
	ModelInURL  bool              `yaml:"model_in_url"`
}

type keySpec struct {
	ID              string   `yaml:"id"`
	APIKey          string   `yaml:"api_key"`
	AuthType        string   `yaml:"auth_type"`
	APIFormats      []string `yaml:"api_formats"`
	AllowedModels   []string `yaml:"allowed_models"`
	Priority        int      `yaml:"priority"`
	RPMLimit        *int     `yaml:"rpm_limit"`
	CacheTTLMinutes int      `yaml:"cache_ttl_minutes"`
}

type modelSpec struct {
	ID            string `yaml:"id"`
	GlobalModelID string `yaml:"global_model_id"`
	Name          string `yaml:"name"`
}

// loadTopology reads the topology file into a memory provider store.
// Environment variables in ${VAR} form are expanded, so key material can
// stay out of the file.
func loadTopology(path string) (*store.MemoryProviderStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}

	var tf topologyFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &tf); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return buildTopology(&tf)
}

func buildTopology(tf *topologyFile) (*store.MemoryProviderStore, error) {
	providers := store.NewMemoryProviderStore()

	for _, gm := range tf.GlobalModels {
		if gm.Name == "" {
			return nil, fmt.Errorf("global model %q has no name", gm.ID)
		}
		providers.AddGlobalModel(&store.GlobalModel{
			ID:                    gm.ID,
			Name:                  gm.Name,
			IsActive:              true,
			ModelMappings:         gm.Mappings,
			SupportedCapabilities: gm.Capabilities,
		})
	}

	for _, p := range tf.Providers {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("provider %q needs both id and name", p.ID+p.Name)
		}
		providers.AddProvider(&store.Provider{
			ID:                     p.ID,
			Name:                   p.Name,
			ProviderType:           p.Type,
			Priority:               p.Priority,
			IsActive:               true,
			BillingType:            store.BillingType(p.BillingType),
			Proxy:                  p.Proxy,
			RequestTimeout:         p.RequestTimeout,
			StreamFirstByteTimeout: p.StreamFirstByteTimeout,
			EnableFormatConversion: p.EnableFormatConversion,
		})

		for _, e := range p.Endpoints {
			if _, err := types.ParseSignature(e.Family + ":" + e.Kind); err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", e.ID, err)
			}
			providers.AddEndpoint(&store.Endpoint{
				ID:          e.ID,
				ProviderID:  p.ID,
				Family:      types.APIFamily(e.Family),
				Kind:        types.EndpointKind(e.Kind),
				BaseURL:     e.BaseURL,
				IsActive:    true,
				HeaderRules: e.HeaderRules,
				AuthInQuery: e.AuthInQuery,
				ModelInURL:  e.ModelInURL,
			})
		}

		for _, k := range p.Keys {
			providers.AddKey(&store.ProviderAPIKey{
				ID:               k.ID,
				ProviderID:       p.ID,
				APIKey:           k.APIKey,
				AuthType:         store.AuthType(k.AuthType),
				APIFormats:       k.APIFormats,
				AllowedModels:    k.AllowedModels,
				InternalPriority: k.Priority,
				RPMLimit:         k.RPMLimit,
				CacheTTLMinutes:  k.CacheTTLMinutes,
				IsActive:         true,
			})
		}

		for _, m := range p.Models {
			providers.AddModel(&store.Model{
				ID:                m.ID,
				ProviderID:        p.ID,
				GlobalModelID:     m.GlobalModelID,
				ProviderModelName: m.Name,
				IsActive:          true,
			})
		}
	}
	return providers, nil
}
