// Package providers maps provider names to backend constructors.
package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/gartnera/gha-runner-provisioner/providers/aws"
	"github.com/gartnera/gha-runner-provisioner/providers/gcp"
	"github.com/gartnera/gha-runner-provisioner/providers/interfaces"
	"github.com/gartnera/gha-runner-provisioner/providers/lxd"
)

// ErrInvalidProvider is returned by Get for an unknown provider name.
var ErrInvalidProvider = errors.New("invalid provider name")

// Constructor builds a backend from a provider configuration.
type Constructor func(cfg interfaces.Config) (interfaces.Provider, error)

var registry = map[string]Constructor{
	"aws": func(cfg interfaces.Config) (interfaces.Provider, error) { return aws.New(cfg) },
	"gcp": func(cfg interfaces.Config) (interfaces.Provider, error) { return gcp.New(cfg) },
	"lxd": func(cfg interfaces.Config) (interfaces.Provider, error) { return lxd.New(cfg) },
}

// Names returns the registered provider names, sorted.
func Names() []string {
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}

// Get constructs the named backend. An unknown name wraps
// ErrInvalidProvider; a constructor failure is re-wrapped naming the
// provider without losing the underlying cause.
func Get(name string, cfg interfaces.Config) (interfaces.Provider, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (options: %s)", ErrInvalidProvider, name, strings.Join(Names(), "|"))
	}
	provider, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration for provider %s: %w", name, err)
	}
	return provider, nil
}
