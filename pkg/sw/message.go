package sw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/pool"
)

// Control channel message types.
const (
	MessageGetCacheInfo     = "GET_CACHE_INFO"
	MessageCacheInfo        = "CACHE_INFO"
	MessageClearCache       = "CLEAR_CACHE"
	MessageCacheCleared     = "CACHE_CLEARED"
	MessageForceCacheUpdate = "FORCE_CACHE_UPDATE"
	MessageCacheUpdated     = "CACHE_UPDATED"
	MessageSkipWaiting      = "SKIP_WAITING"
	MessageWaitingSkipped   = "WAITING_SKIPPED"
	MessageError            = "ERROR"
)

// DefaultMessageTimeout is how long SendMessage waits for a reply.
const DefaultMessageTimeout = 5 * time.Second

// infoSampleSize is the number of entries read per store to estimate its
// size.
const infoSampleSize = 10

var errNoReply = errors.New("response time out")

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func errorMessage(err error) Message {
	return Message{Type: MessageError, Data: map[string]string{"error": err.Error()}}
}

// Port receives the reply of a message.
type Port interface {
	PostMessage(m Message)
}

// MessageChannel is a Port that keeps the first reply.
type MessageChannel struct {
	c chan Message
}

func NewMessageChannel() *MessageChannel {
	return &MessageChannel{c: make(chan Message, 1)}
}

// PostMessage never blocks. Only the first message is kept.
func (mc *MessageChannel) PostMessage(m Message) {
	select {
	case mc.c <- m:
	default:
	}
}

func (mc *MessageChannel) Receive() <-chan Message {
	return mc.c
}

// MessageTarget accepts control messages. The reply, if any, is posted to
// port.
type MessageTarget interface {
	PostMessage(ctx context.Context, m Message, port Port)
}

// SendMessage posts m to target and waits for its reply. If no reply
// arrives within timeout, or ctx is done, it returns an ERROR message.
// A timeout <= 0 selects DefaultMessageTimeout.
func SendMessage(ctx context.Context, target MessageTarget, m Message, timeout time.Duration) Message {
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	mc := NewMessageChannel()
	go target.PostMessage(ctx, m, mc)

	timer := pool.GetTimer(timeout)
	defer pool.ReleaseTimer(timer)
	select {
	case reply := <-mc.Receive():
		return reply
	case <-timer.C:
		return errorMessage(errNoReply)
	case <-ctx.Done():
		return errorMessage(ctx.Err())
	}
}

// CacheInfo describes one store in a CACHE_INFO reply.
type CacheInfo struct {
	ItemCount int `json:"itemCount"`
	// EstimatedSize is extrapolated from the body sizes of the first
	// entries.
	EstimatedSize int64 `json:"estimatedSize"`
}

type messageData struct {
	CacheName string `mapstructure:"cacheName"`
	URL       string `mapstructure:"url"`
}

func (w *Worker) handleMessage(ctx context.Context, ev *Event) error {
	if w.State() == StateRedundant {
		return ErrInvalidState
	}
	reply := w.reply(ctx, ev.Message)
	if ev.Port != nil {
		ev.Port.PostMessage(reply)
	}
	return nil
}

func decodeMessageData(m Message) (messageData, error) {
	var data messageData
	if err := mapstructure.Decode(m.Data, &data); err != nil {
		return data, fmt.Errorf("invalid message data: %w", err)
	}
	return data, nil
}

func (w *Worker) reply(ctx context.Context, m Message) Message {
	switch m.Type {
	case MessageGetCacheInfo:
		info, err := w.CacheInfo(ctx)
		if err != nil {
			return errorMessage(err)
		}
		return Message{Type: MessageCacheInfo, Data: info}
	case MessageClearCache:
		data, err := decodeMessageData(m)
		if err != nil {
			return errorMessage(err)
		}
		if len(data.CacheName) == 0 {
			return errorMessage(errors.New("missing cacheName"))
		}
		if _, err := w.opts.Storage.Delete(ctx, data.CacheName); err != nil {
			return errorMessage(err)
		}
		w.logger.Info("cache cleared", zap.String("cache", data.CacheName))
		return Message{Type: MessageCacheCleared}
	case MessageForceCacheUpdate:
		data, err := decodeMessageData(m)
		if err != nil {
			return errorMessage(err)
		}
		if len(data.URL) == 0 {
			return errorMessage(errors.New("missing url"))
		}
		status, err := w.forceUpdate(ctx, data.URL)
		if err != nil {
			return errorMessage(err)
		}
		return Message{Type: MessageCacheUpdated, Data: map[string]any{"url": data.URL, "status": status}}
	case MessageSkipWaiting:
		if w.onSkipWaiting != nil {
			if err := w.onSkipWaiting(ctx); err != nil {
				return errorMessage(err)
			}
		}
		return Message{Type: MessageWaitingSkipped}
	default:
		return errorMessage(fmt.Errorf("unknown message type %q", m.Type))
	}
}

// CacheInfo reports every store in the storage. Sizes are estimated from a
// sample of the first entries of each store.
func (w *Worker) CacheInfo(ctx context.Context) (map[string]CacheInfo, error) {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	info := make(map[string]CacheInfo, len(names))
	for _, name := range names {
		c, err := w.opts.Storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, err
		}
		ci := CacheInfo{ItemCount: len(keys)}
		sample := min(infoSampleSize, len(keys))
		var sampled int64
		for _, key := range keys[:sample] {
			r, ok, err := c.Match(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				sampled += int64(len(r.Body))
			}
		}
		if sample > 0 {
			ci.EstimatedSize = sampled * int64(len(keys)) / int64(sample)
		}
		info[name] = ci
	}
	return info, nil
}

// forceUpdate refetches ref bypassing any HTTP cache and stores the
// response per its route. Network-only URLs are fetched but not stored.
func (w *Worker) forceUpdate(ctx context.Context, ref string) (int, error) {
	u, err := w.cfg.Resolve(ref)
	if err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}
	req := &Request{Method: "GET", URL: u, NoCache: true}
	rt := w.router.Route(u)
	resp, err := w.fetchAndCache(ctx, req, rt)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}
