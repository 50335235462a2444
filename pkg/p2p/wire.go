package p2p

import "github.com/uhyunpark/bookpeer/pkg/wire"

// AnnounceWire is gossiped on the announce topic. The sender is taken from
// the pubsub envelope, never from the payload.
type AnnounceWire struct {
	Services  []wire.Service
	TTLMillis int64
	Withdraw  bool
}
