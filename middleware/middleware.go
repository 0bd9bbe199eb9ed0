package middleware

import (
	"context"
	"errors"
	"sync"

	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
)

// Handler is one step of the query chain.
type Handler interface {
	Name() string
	ServeDNS(context.Context, *Chain)
}

type middleware struct {
	mu sync.RWMutex

	handlers []handler
	chain    []Handler
	setup    bool
}

type handler struct {
	name string
	new  func(*config.Config) Handler
}

var m middleware

// Register adds a handler constructor. Handlers run in registration order.
func Register(name string, new func(*config.Config) Handler) {
	zlog.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, handler{name: name, new: new})
}

// Setup builds the registered handlers with cfg.
func Setup(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setup {
		return errors.New("setup already done")
	}

	for _, handler := range m.handlers {
		m.chain = append(m.chain, handler.new(cfg))
	}

	m.setup = true

	return nil
}

// Handlers return the built handlers.
func Handlers() []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.chain
}

// List return names of the registered handlers.
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, handler := range m.handlers {
		list = append(list, handler.name)
	}

	return list
}

// Get return a built handler by name.
func Get(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, handler := range m.handlers {
		if handler.name == name {
			if len(m.chain) <= i {
				return nil
			}
			return m.chain[i]
		}
	}

	return nil
}
