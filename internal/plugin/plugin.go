// Package plugin defines the decision plugin contract and the registry of
// built-in plugins compiled into the binary.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shineum/smtp-gate/internal/envelope"
)

// Plugin decides whether an envelope is relayed.
//
// Decide receives a copy of the envelope and may change its recipients and
// data. On accept it must return a non-nil envelope carrying the same ID;
// the returned envelope is what gets relayed. On reject the returned
// envelope is ignored. A returned error means the plugin could not decide.
//
// Implementations must be safe for concurrent use.
type Plugin interface {
	Name() string
	Decide(ctx context.Context, env *envelope.Envelope) (accept bool, out *envelope.Envelope, err error)
}

// Func adapts a function to the Plugin interface.
type Func struct {
	PluginName string
	Fn         func(ctx context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error)
}

func (f Func) Name() string { return f.PluginName }

func (f Func) Decide(ctx context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	return f.Fn(ctx, env)
}

// Options holds the string settings of a plugin as given in configuration.
type Options map[string]string

// String returns the trimmed value for key, or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		return strings.TrimSpace(v)
	}
	return def
}

// List splits a comma separated value, dropping empty items.
func (o Options) List(key string) []string {
	var out []string
	for _, item := range strings.Split(o[key], ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Bool parses key as a boolean, returning def when unset.
func (o Options) Bool(key string, def bool) (bool, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %s: %w", key, err)
	}
	return b, nil
}

// Int parses key as a non-negative integer, returning def when unset.
func (o Options) Int(key string, def int) (int, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("option %s: must not be negative", key)
	}
	return n, nil
}

// Sub returns the options prefixed with "prefix.", with the prefix removed.
func (o Options) Sub(prefix string) Options {
	sub := Options{}
	for k, v := range o {
		if rest, ok := strings.CutPrefix(k, prefix+"."); ok {
			sub[rest] = v
		}
	}
	return sub
}

// Factory builds a configured plugin.
type Factory func(opts Options, logger *slog.Logger) (Plugin, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a plugin available by name. It panics if the name is
// already taken.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic("plugin: Register called twice for " + name)
	}
	factories[name] = f
}

// New builds the plugin registered under name.
func New(name string, opts Options, logger *slog.Logger) (Plugin, error) {
	if name == "" {
		name = "accept_all"
	}
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if logger == nil {
		logger = slog.Default()
	}
	p, err := f(opts, logger.With("plugin", name))
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", name, err)
	}
	return p, nil
}

// Names returns the registered plugin names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("accept_all", newAcceptAll)
	Register("whitelist", newWhitelist)
	Register("add_recipients", newAddRecipients)
	Register("add_header", newAddHeader)
	Register("rate_limit", newRateLimit)
	Register("chain", newChain)
}
