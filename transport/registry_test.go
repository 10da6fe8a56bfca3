package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tierflow/transport/transporttest"
)

func fakeBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:  &transporttest.Publisher{},
		Subscriber: &transporttest.Subscriber{},
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistryRegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("durable", fakeBuilder, Capabilities{Name: "durable", Durable: true, SupportsAck: true, SupportsNack: true})

	assert.True(t, reg.Has("durable"))
	caps := reg.GetCapabilities("durable")
	assert.True(t, caps.Durable)
	assert.True(t, caps.SupportsReliableDelivery())

	unknown := reg.GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, unknown)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fake", fakeBuilder)

	t.Run("selects builder by pubsub system", func(t *testing.T) {
		tr, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "fake"}, nil)
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(context.Background(), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("unknown transport lists registered names", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "carrier-pigeon"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown transport: "carrier-pigeon"`)
		assert.Contains(t, err.Error(), "fake")
	})

	t.Run("builder error is returned unchanged", func(t *testing.T) {
		boom := errors.New("builder error")
		reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
			return Transport{}, boom
		})
		_, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "failing"}, nil)
		assert.Same(t, boom, err)
	})

	t.Run("nil logger is replaced", func(t *testing.T) {
		reg.Register("logger-check", func(_ context.Context, _ Config, logger watermill.LoggerAdapter) (Transport, error) {
			require.NotNil(t, logger)
			return Transport{}, nil
		})
		_, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "logger-check"}, nil)
		require.NoError(t, err)
	})
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("rabbitmq", fakeBuilder)
	reg.Register("aws", fakeBuilder)
	reg.Register("kafka", fakeBuilder)

	assert.Equal(t, []string{"aws", "kafka", "rabbitmq"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", fakeBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistry(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", fakeBuilder, Capabilities{Name: "test-pkg-transport", SupportsOrdering: true})
	Register("test-pkg-plain", fakeBuilder)

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-transport").SupportsOrdering)
	assert.Contains(t, Names(), "test-pkg-plain")

	_, err := Build(context.Background(), &transporttest.Config{PubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}
