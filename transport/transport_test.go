package transport

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestTransport_Struct(t *testing.T) {
	// Test that Transport struct can be created and accessed
	transport := Transport{
		Publisher:  &mockPublisher{},
		Subscriber: &mockSubscriber{},
	}

	assert.NotNil(t, transport.Publisher)
	assert.NotNil(t, transport.Subscriber)
}

func TestConfig_Interface(t *testing.T) {
	// Test that mockConfig implements Config interface
	var _ Config = (*mockConfig)(nil)

	cfg := &mockConfig{pubSubSystem: "test"}
	assert.Equal(t, "test", cfg.GetPubSubSystem())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestCapabilitiesProvider_Interface(t *testing.T) {
	// Test CapabilitiesProvider interface
	var _ CapabilitiesProvider = testProvider{}

	provider := testProvider{}
	caps := provider.Capabilities()
	assert.Equal(t, "test", caps.Name)
}

// DelayedPublisher interface impl
type testDelayedPub struct{ *mockPublisher }

func (testDelayedPub) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	return nil
}

func TestDelayedPublisher_Interface(t *testing.T) {
	var _ DelayedPublisher = testDelayedPub{}
}
