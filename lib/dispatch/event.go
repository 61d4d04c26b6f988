package dispatch

import (
	"fmt"

	"github.com/ValentinKolb/tkv/lib/persist"
	"github.com/ValentinKolb/tkv/lib/trie"
)

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Op is the kind of a request
type Op uint8

const (
	OpGet Op = iota + 1
	OpSet
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Request is a decoded client request.
// For OpSet a nil Value clears the key, a non-nil empty Value stores an empty value.
type Request struct {
	ClientID string
	Op       Op
	Key      []byte
	Value    []byte
}

// Validate reports a key or value the log cannot record (persist.ErrKeyTooLong,
// persist.ErrValueTooLong). Such a request is a client error, not a durability failure.
func (r Request) Validate() error {
	if len(r.Key) > persist.MaxKeyLen {
		return persist.ErrKeyTooLong
	}
	if len(r.Value) > persist.MaxValueLen {
		return persist.ErrValueTooLong
	}
	return nil
}

// Response is the result of a request, addressed to the client that sent it.
// For OpGet a nil Value means the key has no value. For OpSet Value is always nil.
type Response struct {
	ClientID string
	Op       Op
	Value    []byte
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Persistence is the durable log the dispatcher writes every mutation to before applying it
type Persistence interface {
	// Append durably records a mutation. An error is fatal for the dispatcher.
	Append(key, value []byte) error
	// MaybeRotate is offered a way to freeze the store after every request
	MaybeRotate(snapshot func() *trie.Trie) (bool, error)
}

// Notifier delivers responses to connected clients
type Notifier interface {
	// Notify hands resp to the client. It returns false if the client is unknown, which is not
	// an error: clients may disconnect while their requests are in flight.
	Notify(clientID string, resp Response) bool
}
