/**
 * @description
 * Signal Stream Hub.
 * Holds one Redis subscription to the signal channel and fans events out to SSE
 * clients. Slow clients drop their oldest buffered event.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 */

package services

import (
	"context"
	"sync"
	"time"

	"github.com/kalbot-project/backend/internal/logger"
	"github.com/redis/go-redis/v9"
)

// SignalStreamHub fans publish events from one Redis subscription out to many SSE
// clients, so HTTP requests never open their own subscription.
type SignalStreamHub struct {
	redis       *redis.Client
	channelName string
	cancel      context.CancelFunc
	done        chan struct{}

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewSignalStreamHub starts listening on channel until Close is called
func NewSignalStreamHub(redis *redis.Client, channel string) *SignalStreamHub {
	ctx, cancel := context.WithCancel(context.Background())
	hub := &SignalStreamHub{
		redis:       redis,
		channelName: channel,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[chan []byte]struct{}),
	}

	go hub.run(ctx)

	return hub
}

func (h *SignalStreamHub) run(ctx context.Context) {
	defer close(h.done)

	for ctx.Err() == nil {
		pubsub := h.redis.Subscribe(ctx, h.channelName)
		ch := pubsub.Channel(redis.WithChannelSize(256))

	recv:
		for {
			select {
			case <-ctx.Done():
				break recv
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				h.broadcast([]byte(msg.Payload))
			}
		}

		_ = pubsub.Close()

		// Avoid tight loop if Redis connection drops
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			logger.Warn("Signal stream subscription dropped, resubscribing")
		}
	}
}

func (h *SignalStreamHub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		select {
		case sub <- payload:
		default:
			// slow subscriber: drop its oldest event
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- payload:
			default:
			}
		}
	}
}

// Subscribe registers a new listener and returns a channel plus cleanup function.
func (h *SignalStreamHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 16)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}

	return ch, unsubscribe
}

// Close stops the Redis subscription and waits for the listener to exit
func (h *SignalStreamHub) Close() {
	h.cancel()
	<-h.done
}
