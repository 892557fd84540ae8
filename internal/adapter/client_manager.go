package adapter

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/types"
)

// Factory builds and verifies a source client
type Factory func(ctx context.Context) (Source, error)

// ClientManager holds the single active source client. Concurrent callers
// during initialization share one in-flight attempt; a failed attempt is not
// remembered, so the next call tries again.
type ClientManager struct {
	factory Factory
	logger  *logging.Logger

	group singleflight.Group

	mu     sync.RWMutex
	client Source
}

// NewClientManager creates a manager that initializes clients with factory
func NewClientManager(factory Factory, logger *logging.Logger) *ClientManager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ClientManager{
		factory: factory,
		logger:  logger.WithField("component", "client_manager"),
	}
}

// NewAlgorandFactory returns a Factory that creates an AlgorandClient and
// pings both endpoints before handing it out
func NewAlgorandFactory(cfg AlgorandConfig) Factory {
	return func(ctx context.Context) (Source, error) {
		client, err := NewAlgorandClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Get returns the active client, initializing it if needed
func (m *ClientManager) Get(ctx context.Context) (Source, error) {
	if c := m.current(); c != nil {
		return c, nil
	}

	v, err, shared := m.group.Do("client", func() (interface{}, error) {
		if c := m.current(); c != nil {
			return c, nil
		}
		c, err := m.factory(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Source client initialization failed")
			return nil, err
		}
		m.mu.Lock()
		m.client = c
		m.mu.Unlock()
		m.logger.Info("Source client initialized")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("Joined in-flight source client initialization")
	}
	return v.(Source), nil
}

// Current returns the active client without initializing one
func (m *ClientManager) Current() Source {
	return m.current()
}

func (m *ClientManager) current() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Reset drops the active client; the next Get reconnects
func (m *ClientManager) Reset() {
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
	m.logger.Info("Source client reset")
}

// FetchTransactions delegates to the active client
func (m *ClientManager) FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	c, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.FetchTransactions(ctx, address, filters)
}

// FetchBalance delegates to the active client
func (m *ClientManager) FetchBalance(ctx context.Context, address string) (types.BalanceSnapshot, error) {
	c, err := m.Get(ctx)
	if err != nil {
		return types.BalanceSnapshot{}, err
	}
	return c.FetchBalance(ctx, address)
}

var _ Source = (*ClientManager)(nil)

// Health reports the endpoint health of the active client, when it tracks any
func (m *ClientManager) Health() []*EndpointHealth {
	if h, ok := m.current().(interface{ Health() []*EndpointHealth }); ok {
		return h.Health()
	}
	return nil
}
