// Package seed loads the tenant directory and provider catalogue from a
// YAML file at startup.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/provider"
	"github.com/animus-labs/ledger-go/internal/repo"
	"gopkg.in/yaml.v3"
)

const SchemaV1 = "ledger.seed.v1"

const (
	KindEcho = "echo"
	KindHTTP = "http"
)

type File struct {
	Schema    string          `yaml:"schema"`
	Tenants   []domain.Tenant `yaml:"tenants"`
	Providers []Provider      `yaml:"providers"`
}

type Provider struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

func Parse(input []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed: %w", err)
	}
	return Parse(raw)
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Schema) != SchemaV1 {
		return fmt.Errorf("seed.schema must be %q", SchemaV1)
	}
	tenants := make(map[string]struct{}, len(f.Tenants))
	for i, t := range f.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tenants[%d].id is required", i)
		}
		if _, dup := tenants[id]; dup {
			return fmt.Errorf("duplicate tenant %q", id)
		}
		tenants[id] = struct{}{}
		if strings.TrimSpace(t.Owner) == "" {
			return fmt.Errorf("tenant %q owner is required", id)
		}
	}
	providers := make(map[string]struct{}, len(f.Providers))
	for i, p := range f.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if _, dup := providers[name]; dup {
			return fmt.Errorf("duplicate provider %q", name)
		}
		providers[name] = struct{}{}
		switch strings.ToLower(strings.TrimSpace(p.Kind)) {
		case KindEcho:
		case KindHTTP:
			if strings.TrimSpace(p.Endpoint) == "" {
				return fmt.Errorf("provider %q endpoint is required", name)
			}
		default:
			return fmt.Errorf("provider %q kind unsupported: %q", name, p.Kind)
		}
	}
	return nil
}

// Apply upserts the tenants and registers the providers. The echo provider
// is always registered under the name given in the file.
func (f File) Apply(ctx context.Context, tenants repo.TenantRepository, registry *provider.Registry, client *http.Client) error {
	if tenants == nil || registry == nil {
		return errors.New("tenant repository and provider registry are required")
	}
	for _, t := range f.Tenants {
		t.ID = strings.TrimSpace(t.ID)
		t.Owner = strings.TrimSpace(t.Owner)
		if err := tenants.UpsertTenant(ctx, t); err != nil {
			return fmt.Errorf("upsert tenant %q: %w", t.ID, err)
		}
	}
	for _, p := range f.Providers {
		built, err := p.build(client)
		if err != nil {
			return err
		}
		if err := registry.Register(built); err != nil {
			return err
		}
	}
	return nil
}

func (p Provider) build(client *http.Client) (provider.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case KindEcho:
		echo := provider.Echo{}
		if name == echo.Name() {
			return echo, nil
		}
		return provider.Func{ProviderName: name, Fn: echo.Execute}, nil
	case KindHTTP:
		return provider.NewHTTPProvider(name, strings.TrimSpace(p.Endpoint), client)
	default:
		return nil, fmt.Errorf("provider %q kind unsupported: %q", name, p.Kind)
	}
}
