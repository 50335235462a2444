// Package wire defines the closed set of messages peers exchange and the gob
// codec used to move them over a stream.
package wire

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bookpeer/pkg/book"
)

type Service string

const (
	ServiceLock     Service = "lockManager:lock"
	ServiceUnlock   Service = "lockManager:unlock"
	ServiceSync     Service = "book:sync"
	ServiceOrderNew Service = "order:new"
)

// Services lists every service a trading peer announces.
var Services = []Service{ServiceOrderNew, ServiceLock, ServiceUnlock, ServiceSync}

var (
	ErrUnknownService = errors.New("wire: unknown service")
	ErrMalformed      = errors.New("wire: malformed payload")
)

// Message is implemented by every payload variant.
type Message interface{ isMessage() }

type Lock struct{ PeerID string }

type Unlock struct{ PeerID string }

type SyncRequest struct{ PeerID string }

type SyncReply struct{ Orders []OrderEntry }

type SubmitRequest struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type SubmitReply struct {
	Success     bool
	IsFulfilled bool
	OrderCount  int
	OrderID     string
}

type Ack struct{ Success bool }

func (Lock) isMessage()          {}
func (Unlock) isMessage()        {}
func (SyncRequest) isMessage()   {}
func (SyncReply) isMessage()     {}
func (SubmitRequest) isMessage() {}
func (SubmitReply) isMessage()   {}
func (Ack) isMessage()           {}

type OrderEntry struct {
	ID     string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func FromOrders(orders []*book.Order) []OrderEntry {
	out := make([]OrderEntry, len(orders))
	for i, o := range orders {
		out[i] = OrderEntry{ID: o.ID, Price: o.Price, Amount: o.Amount}
	}
	return out
}

func ToOrders(entries []OrderEntry) []*book.Order {
	out := make([]*book.Order, len(entries))
	for i, e := range entries {
		out[i] = &book.Order{ID: e.ID, Price: e.Price, Amount: e.Amount}
	}
	return out
}

// Request is the envelope carried to a responder. ID doubles as the id of
// any order the request creates, so every replica names it the same way.
type Request struct {
	ID      string
	Service Service
	From    string
	Body    Message
}

// Reply answers a Request. Err is set when the responder refused it.
type Reply struct {
	ID   string
	Body Message
	Err  string
}

func init() {
	gob.Register(Lock{})
	gob.Register(Unlock{})
	gob.Register(SyncRequest{})
	gob.Register(SyncReply{})
	gob.Register(SubmitRequest{})
	gob.Register(SubmitReply{})
	gob.Register(Ack{})
}

// Validate checks that body is the request variant expected by service.
func Validate(service Service, body Message) error {
	ok := false
	switch service {
	case ServiceLock:
		m, is := body.(Lock)
		ok = is && m.PeerID != ""
	case ServiceUnlock:
		m, is := body.(Unlock)
		ok = is && m.PeerID != ""
	case ServiceSync:
		_, ok = body.(SyncRequest)
	case ServiceOrderNew:
		_, ok = body.(SubmitRequest)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	if !ok {
		return fmt.Errorf("%w: %T for %s", ErrMalformed, body, service)
	}
	return nil
}

func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
