// Package wizard is a small example service: a person with a name and an
// age that clients can read, rename and subscribe to.
package wizard

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-dispatch/dispatch"
	"github.com/cyberinferno/go-dispatch/frame"
	"github.com/cyberinferno/go-dispatch/statestore"
)

// Interface is the namespace of every method.
const Interface = "org.zeenix.Person"

const (
	MethodGetName = Interface + ".GetName"
	MethodSetName = Interface + ".SetName"
	MethodGetAge  = Interface + ".GetAge"
	MethodFail    = Interface + ".Fail"
)

// StreamLength is the number of items a subscribed GetName yields.
const StreamLength = 5

// Error payloads.
const (
	ErrNotFound           = "NotFound"
	ErrStorageUnavailable = "StorageUnavailable"
)

// SetNameParams is the payload of SetName.
type SetNameParams struct {
	Name string `json:"name"`
}

// NameReply is the reply to GetName and each item of its stream.
type NameReply struct {
	Name string `json:"name"`
}

// AgeReply is the reply to GetAge.
type AgeReply struct {
	Age uint8 `json:"age"`
}

// Snapshot is the persisted form of a Wizard.
type Snapshot struct {
	Name string `json:"name" cbor:"name"`
	Age  uint8  `json:"age" cbor:"age"`
}

// Wizard serves the org.zeenix.Person methods. It is meant to be driven by
// a single dispatch.Loop and does no locking of its own.
type Wizard struct {
	name    string
	age     uint8
	methods *frame.MethodTable

	store statestore.Store[Snapshot]
	key   string
}

// New returns a Wizard that keeps its state in memory only.
func New(name string, age uint8) *Wizard {
	return &Wizard{name: name, age: age, methods: methodTable()}
}

// Restore loads the Wizard saved under key, or creates one from initial and
// saves it. Every later SetName is saved back to store.
//
// Parameters:
//   - ctx: Context for the store lookup
//   - store: Where snapshots live
//   - key: Store key for this wizard
//   - initial: State used when nothing is stored yet
//
// Returns:
//   - The Wizard, or an error if the store failed
func Restore(ctx context.Context, store statestore.Store[Snapshot], key string, initial Snapshot) (*Wizard, error) {
	snap, err := store.LoadOrInit(ctx, key, 0, func(context.Context) (Snapshot, error) {
		return initial, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wizard: restore %s: %w", key, err)
	}

	w := New(snap.Name, snap.Age)
	w.store = store
	w.key = key
	return w, nil
}

func methodTable() *frame.MethodTable {
	return frame.NewMethodTable().
		Register(MethodGetName, nil).
		Register(MethodSetName, frame.ParamsOf[SetNameParams]()).
		Register(MethodGetAge, nil).
		Register(MethodFail, nil)
}

// Snapshot returns the current state.
func (w *Wizard) Snapshot() Snapshot {
	return Snapshot{Name: w.name, Age: w.age}
}

// Methods implements dispatch.Service.
func (w *Wizard) Methods() *frame.MethodTable {
	return w.methods
}

// Handle implements dispatch.Service.
func (w *Wizard) Handle(ctx context.Context, call *frame.Call) dispatch.Reply {
	switch call.Method {
	case MethodGetName:
		reply := NameReply{Name: w.name}
		if call.More {
			// copied now: later renames do not show up in this stream
			return dispatch.Multi(dispatch.Repeat(reply, StreamLength))
		}

		return dispatch.Single(reply)

	case MethodSetName:
		next := w.Snapshot()
		next.Name = call.Params.(*SetNameParams).Name
		if w.store != nil {
			// a rename that could not be saved is not applied
			if err := w.store.Save(ctx, w.key, next, 0); err != nil {
				return dispatch.Error(ErrStorageUnavailable)
			}
		}

		w.name = next.Name
		return dispatch.Single(nil)

	case MethodGetAge:
		return dispatch.Single(AgeReply{Age: w.age})

	case MethodFail:
		return dispatch.Error(ErrNotFound)

	default:
		return dispatch.Error(ErrNotFound)
	}
}
