package xinbox

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus      *Bus
	defaultRegistry *Registry
	defaultBusMu    sync.Mutex
)

// Default returns the process-wide Bus. Unless SetDefault was called, the
// first call builds one from the XINBOX_STORAGE_* environment; the engine's
// adapter package must be linked in.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}

	cfg, err := BackendConfigFromEnv()
	if err != nil {
		panic(fmt.Sprintf("xinbox: failed to initialize default bus: %v", err))
	}
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	bus, err := NewBusBuilder().WithBackendConfig(defaultRegistry, cfg).Build()
	if err != nil {
		panic(fmt.Sprintf("xinbox: failed to initialize default bus: %v", err))
	}
	defaultBus = bus
	return defaultBus
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xinbox: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Register is the Facade for NewClient on the default bus.
func Register(ctx context.Context, clientID string) (*Client, error) {
	return NewClient(ctx, clientID, Default())
}

// Listen is the Facade for NewCallbackClient on the default bus.
func Listen(ctx context.Context, clientID string, handler Handler, opts ...CallbackOption) (*CallbackClient, error) {
	return NewCallbackClient(ctx, clientID, Default(), handler, opts...)
}
