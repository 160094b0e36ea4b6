// Package relay implements chsk/server.Relay over Redis pub/sub, using
// github.com/gomodule/redigo. It backs a point-to-point-per-uid
// cross-process relay rather than a broadcast bus.
package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/chskio/chsk/internal/logging"
)

// channelPrefix namespaces relay traffic on the shared Redis instance so it
// does not collide with unrelated pub/sub usage.
const channelPrefix = "chsk:uid:"

// Relay publishes and subscribes to per-uid channels over a redigo pool.
type Relay struct {
	pool *redis.Pool

	mu       sync.Mutex
	handler  func(uid, packed string)
	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Relay dialing addr (e.g. "localhost:6379") lazily via a
// redigo connection pool.
func New(addr string) *Relay {
	return &Relay{
		pool: &redis.Pool{
			MaxIdle:     8,
			IdleTimeout: 240 * time.Second,
			Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
		},
		stop: make(chan struct{}),
	}
}

// Publish implements server.Relay.
func (r *Relay) Publish(uid, packed string) error {
	conn := r.pool.Get()
	defer conn.Close()
	_, err := conn.Do("PUBLISH", channelPrefix+uid, packed)
	return err
}

// Subscribe implements server.Relay. It starts a background PSUBSCRIBE loop
// over chsk:uid:* and reconnects on failure; only one handler may be
// registered.
func (r *Relay) Subscribe(handler func(uid, packed string)) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
	go r.subscribeLoop()
}

func (r *Relay) subscribeLoop() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if err := r.subscribeOnce(); err != nil {
			logging.Warn().Err(err).Msg("chsk: relay subscription dropped, retrying")
		}
		select {
		case <-r.stop:
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) subscribeOnce() error {
	conn := r.pool.Get()
	defer conn.Close()

	psc := redis.PubSubConn{Conn: conn}
	if err := psc.PSubscribe(channelPrefix + "*"); err != nil {
		return err
	}
	defer psc.PUnsubscribe(channelPrefix + "*") //nolint:errcheck

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			uid := strings.TrimPrefix(string(v.Channel), channelPrefix)
			r.mu.Lock()
			h := r.handler
			r.mu.Unlock()
			if h != nil {
				h(uid, string(v.Data))
			}
		case error:
			return v
		}
		select {
		case <-r.stop:
			return nil
		default:
		}
	}
}

// Close stops the subscription loop and releases the connection pool.
func (r *Relay) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return r.pool.Close()
}
