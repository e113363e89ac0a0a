package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"entitycore/pkg/domain"
)

// NoSuchConfigurationError reports a configuration entity that is absent from
// the store and could not be seeded from defaults.
type NoSuchConfigurationError struct {
	Type     string
	Identity string
	Cause    error
}

func (e *NoSuchConfigurationError) Error() string {
	return fmt.Sprintf("no configuration %s %q: %v", e.Type, e.Identity, e.Cause)
}

func (e *NoSuchConfigurationError) Unwrap() error { return e.Cause }

// ConfigurationOption configures a Configuration.
type ConfigurationOption func(*Configuration)

// WithDefaults reads seed files named <identity>.json, <identity>.yaml or
// <identity>.yml from fsys.
func WithDefaults(fsys fs.FS) ConfigurationOption {
	return func(c *Configuration) { c.defaults = fsys }
}

// WithEnvPrefix enables environment overrides named PREFIX_PROPERTY.
func WithEnvPrefix(prefix string) ConfigurationOption {
	return func(c *Configuration) { c.envPrefix = prefix }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) ConfigurationOption {
	return func(c *Configuration) {
		if fn != nil {
			c.lookupEnv = fn
		}
	}
}

// Configuration gives access to a configuration entity identified by a
// service identity. The entity lives in its own unit of work until Save or
// Refresh. When it does not exist yet it is seeded from property defaults,
// then the defaults file, then environment overrides, and stored.
type Configuration struct {
	factory    *Factory
	entityType string
	identity   string
	defaults   fs.FS
	envPrefix  string
	lookupEnv  func(string) (string, bool)

	uow    *UnitOfWork
	entity *Entity
}

// NewConfiguration returns a lazily loaded configuration.
func NewConfiguration(f *Factory, entityType, identity string, opts ...ConfigurationOption) *Configuration {
	c := &Configuration{
		factory:    f,
		entityType: entityType,
		identity:   identity,
		lookupEnv:  os.LookupEnv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Configuration) usecase() Usecase {
	return NewUsecase("configuration:" + c.identity)
}

// Get returns the configuration entity, loading or seeding it on first use.
func (c *Configuration) Get(ctx context.Context) (*Entity, error) {
	if c.entity != nil {
		return c.entity, nil
	}
	uow := c.factory.NewUnitOfWork(c.usecase())
	e, err := uow.Get(ctx, c.entityType, c.identity)
	if errors.Is(err, domain.ErrNoSuchEntity) {
		if err := c.seed(ctx); err != nil {
			uow.Discard()
			return nil, err
		}
		e, err = uow.Get(ctx, c.entityType, c.identity)
	}
	if err != nil {
		uow.Discard()
		return nil, err
	}
	c.uow, c.entity = uow, e
	return e, nil
}

// Refresh drops pending changes; the next Get reloads from the store.
func (c *Configuration) Refresh() {
	if c.uow != nil {
		c.uow.Discard()
	}
	c.uow, c.entity = nil, nil
}

// Save stores pending changes. The next Get reloads from the store.
func (c *Configuration) Save(ctx context.Context) error {
	if c.uow == nil {
		return nil
	}
	uow := c.uow
	c.uow, c.entity = nil, nil
	if err := uow.Complete(ctx); err != nil {
		uow.Discard()
		return err
	}
	return nil
}

func (c *Configuration) seed(ctx context.Context) error {
	uow := c.factory.NewUnitOfWork(c.usecase().With("seed", true))
	defer uow.Discard()
	b, err := uow.NewEntityBuilder(ctx, c.entityType, c.identity)
	if err != nil {
		return err
	}
	proto := b.Instance()
	desc := proto.Descriptor()
	values, err := c.loadDefaults()
	if err != nil {
		return &NoSuchConfigurationError{Type: c.entityType, Identity: c.identity, Cause: err}
	}
	for name, v := range values {
		if _, ok := desc.Property(name); !ok {
			continue
		}
		if err := proto.Property(name).Set(v); err != nil {
			return &NoSuchConfigurationError{Type: c.entityType, Identity: c.identity, Cause: err}
		}
	}
	if c.envPrefix != "" {
		for i := range desc.Properties {
			p := &desc.Properties[i]
			raw, ok := c.lookupEnv(envName(c.envPrefix, p.Name))
			if !ok {
				continue
			}
			var v any = raw
			if p.Kind == domain.KindStrings {
				v = splitList(raw)
			}
			if err := proto.Property(p.Name).Set(v); err != nil {
				return &NoSuchConfigurationError{Type: c.entityType, Identity: c.identity, Cause: err}
			}
		}
	}
	if _, err := b.NewInstance(ctx); err != nil {
		return &NoSuchConfigurationError{Type: c.entityType, Identity: c.identity, Cause: err}
	}
	err = uow.Complete(ctx)
	if errors.Is(err, domain.ErrConcurrentModification) {
		// seeded concurrently by another process
		return nil
	}
	return err
}

func (c *Configuration) loadDefaults() (map[string]any, error) {
	if c.defaults == nil {
		return nil, nil
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		data, err := fs.ReadFile(c.defaults, c.identity+ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		values := map[string]any{}
		if ext == ".json" {
			err = json.Unmarshal(data, &values)
		} else {
			err = yaml.Unmarshal(data, &values)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s%s: %w", c.identity, ext, err)
		}
		c.factory.logger.Debug("configuration defaults loaded", "identity", c.identity, "file", c.identity+ext)
		return values, nil
	}
	return nil, nil
}

func envName(prefix, property string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(prefix))
	b.WriteByte('_')
	for _, r := range property {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
