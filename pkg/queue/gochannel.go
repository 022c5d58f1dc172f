package queue

import (
	"sync"

	"featurebot/internal"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

var (
	sharedOnce    sync.Once
	sharedChannel *gochannel.GoChannel
)

// SharedGoChannel returns the process-wide in-memory pub/sub. The first
// caller's configuration wins.
func SharedGoChannel(cfg internal.GoChannelConfig, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	sharedOnce.Do(func() {
		sharedChannel = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            cfg.OutputChannelBuffer,
			Persistent:                     cfg.Persistent,
			BlockPublishUntilSubscriberAck: cfg.BlockPublishUntilSubscriberAck,
		}, logger)
	})
	return sharedChannel
}

// sharedPubSub leaves the shared channel open when one side closes.
type sharedPubSub struct {
	*gochannel.GoChannel
}

func (sharedPubSub) Close() error {
	return nil
}
