package server

// Relay is the optional cross-process fanout path: a point-to-point-per-uid
// relay, not a broadcast primitive.
//
// Publish sends a pre-packed, already-batched payload for uid to every
// other subscribed process. Subscribe registers this process's handler,
// invoked once per relayed (uid, packed) pair received from any other
// process (including, harmlessly, this one — implementations may choose to
// suppress self-delivery, but Engine.onRelayed is idempotent against it
// since a uid with no local connections is simply a no-op).
type Relay interface {
	Publish(uid, packed string) error
	Subscribe(handler func(uid, packed string))
}
