package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/uhyunpark/bookpeer/pkg/wire"
)

var (
	// ErrLookupEmpty reports that no peer currently announces a service.
	// Callers treat it as "alone on the network", never as a transport fault.
	ErrLookupEmpty = errors.New("p2p: lookup empty")
	ErrTimeout     = fmt.Errorf("p2p: request timed out: %w", context.DeadlineExceeded)
	ErrNoHandler   = errors.New("p2p: no request handler")
)

type PeerID string

// Handler answers one inbound request. Returning a nil message with a nil
// error means "no reply"; the caller observes a failed request.
type Handler func(ctx context.Context, req wire.Request) (wire.Message, error)

// Result is one responder's outcome in a Broadcast.
type Result struct {
	Peer  PeerID
	Reply wire.Message
	Err   error
}

// Substrate is the announce/lookup/request layer peers use to find and call
// each other.
type Substrate interface {
	Self() PeerID
	SetHandler(h Handler)
	Announce(ctx context.Context, service wire.Service) error
	Unannounce(ctx context.Context, service wire.Service) error
	Lookup(ctx context.Context, service wire.Service) ([]PeerID, error)
	// Request sends body to a single responder of service.
	Request(ctx context.Context, service wire.Service, body wire.Message) (wire.Message, error)
	// Broadcast sends body to every responder of service and collects all
	// outcomes. The error is ErrLookupEmpty, a lookup failure, or a
	// *BroadcastError when any responder failed.
	Broadcast(ctx context.Context, service wire.Service, body wire.Message) ([]Result, error)
}

// BroadcastError lists the responders that failed during a fan-out.
type BroadcastError struct {
	Service wire.Service
	Failed  []Result
}

func (e *BroadcastError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		parts[i] = fmt.Sprintf("%s: %v", r.Peer, r.Err)
	}
	return fmt.Sprintf("p2p: broadcast %s failed on %d peer(s): %s", e.Service, len(e.Failed), strings.Join(parts, "; "))
}

func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, r := range e.Failed {
		errs[i] = r.Err
	}
	return errs
}

// Collect turns per-peer results into the Broadcast error contract.
func Collect(service wire.Service, results []Result) ([]Result, error) {
	var failed []Result
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		return results, &BroadcastError{Service: service, Failed: failed}
	}
	return results, nil
}

// PickResponder prefers a remote peer so a node never syncs from itself.
func PickResponder(self PeerID, peers []PeerID) PeerID {
	for _, p := range peers {
		if p != self {
			return p
		}
	}
	return peers[0]
}

func replyError(rep wire.Reply) error {
	if rep.Err != "" {
		return fmt.Errorf("p2p: remote: %s", rep.Err)
	}
	if rep.Body == nil {
		return errors.New("p2p: empty reply")
	}
	return nil
}
