package config

import (
	"github.com/vinayprograms/taskkit/bus"
	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/state"
)

// OpenBus connects the configured message bus.
func (c *Config) OpenBus() (bus.MessageBus, error) {
	switch c.Bus.Kind {
	case "nats":
		cfg := bus.DefaultNATSConfig()
		cfg.URL = c.Bus.URL
		if c.Bus.Name != "" {
			cfg.Name = c.Bus.Name
		}
		mb, err := bus.NewNATSBus(cfg)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeBackend, "connect bus")
		}
		return mb, nil
	case "memory":
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "unknown bus kind %q", c.Bus.Kind)
	}
}

// OpenStore opens the configured state store. The nats store shares the
// connection of mb, which must come from OpenBus.
func (c *Config) OpenStore(mb bus.MessageBus) (state.StateStore, error) {
	switch c.State.Kind {
	case "nats":
		nb, ok := mb.(*bus.NATSBus)
		if !ok {
			return nil, errors.InvalidConfiguration("the nats state store needs the nats bus")
		}
		cfg := state.DefaultNATSStoreConfig()
		cfg.Conn = nb.Conn()
		if c.State.Bucket != "" {
			cfg.Bucket = c.State.Bucket
		}
		store, err := state.NewNATSStore(cfg)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeBackend, "open nats state store")
		}
		return store, nil
	case "sqlite":
		store, err := state.NewSQLiteStore(c.State.Path)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeBackend, "open sqlite state store",
				errors.WithMetadata("path", c.State.Path))
		}
		return store, nil
	case "memory":
		return state.NewMemoryStore(), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "unknown state kind %q", c.State.Kind)
	}
}
