// Package provider holds the execution targets commands are dispatched to.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/ledger-go/internal/credentials"
)

type Request struct {
	CommandID  string
	TenantID   string
	Payload    []byte
	Credential credentials.Credential
}

// Provider executes one command. Implementations must honour ctx
// cancellation; the executor abandons calls that outlive their timeout.
type Provider interface {
	Name() string
	Execute(ctx context.Context, req Request) ([]byte, error)
}

// Func adapts a function to Provider.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) ([]byte, error)
}

func (f Func) Name() string { return f.ProviderName }

func (f Func) Execute(ctx context.Context, req Request) ([]byte, error) {
	return f.Fn(ctx, req)
}

// Echo returns the payload unchanged.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Execute(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), req.Payload...), nil
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		_ = r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}
	name := normalize(p.Name())
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalize(name)]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
