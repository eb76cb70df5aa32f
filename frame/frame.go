// Package frame converts between raw JSON frames and the call and reply
// shapes of the dispatch protocol.
//
// There is no length prefix and no delimiter: one transport read carries
// exactly one JSON document, and one write sends exactly one. A request
// looks like
//
//	{"method":"org.example.Thing.Get","params":{...},"more":true}
//
// where the method name selects the payload type held in "params" and
// "more" asks for a streamed reply. Replies are {"parameters":...} or {}
// for success, the application's error payload verbatim for failure, and
// {"parameters":...,"continues":true} for every streamed item except the
// last.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownMethod is wrapped by the DecodeError returned for a method name
// that is not in the MethodTable.
var ErrUnknownMethod = errors.New("frame: unknown method")

// DecodeKind classifies why a call frame could not be decoded.
type DecodeKind int

const (
	DecodeMalformed        DecodeKind = iota + 1 // Not JSON, not an object, or no method name
	DecodeUnknownMethod                          // Method name not registered
	DecodeInvalidParameter                       // Params do not fit the method's payload type
)

// String returns the name used for the kind on the wire.
func (k DecodeKind) String() string {
	switch k {
	case DecodeMalformed:
		return "MalformedCall"
	case DecodeUnknownMethod:
		return "MethodNotFound"
	case DecodeInvalidParameter:
		return "InvalidParameter"
	default:
		return "Unknown"
	}
}

// DecodeError reports a call frame that could not be turned into a Call.
type DecodeError struct {
	Kind   DecodeKind
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("frame: decode %s (%s): %v", e.Kind, e.Method, e.Err)
	}

	return fmt.Sprintf("frame: decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Payload is the error reply sent for e when the dispatch loop is configured
// to answer decode failures instead of dropping the connection.
func (e *DecodeError) Payload() any {
	return decodeErrorReply{
		Error: e.Kind.String(),
		Parameters: decodeErrorParams{
			Method: e.Method,
			Reason: e.Err.Error(),
		},
	}
}

type decodeErrorReply struct {
	Error      string            `json:"error"`
	Parameters decodeErrorParams `json:"parameters"`
}

type decodeErrorParams struct {
	Method string `json:"method,omitempty"`
	Reason string `json:"reason"`
}

// Call is one decoded request. Params holds the value built by the
// method's constructor (nil for methods without parameters). Calls own all
// of their data; nothing points back into the frame they were decoded from.
type Call struct {
	Method string
	Params any
	More   bool
}

// callFrame is the wire shape of a Call.
type callFrame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	More   bool            `json:"more,omitempty"`
}

// ParamsFunc builds an empty payload value for a method. The value must be
// a pointer so the decoder can fill it.
type ParamsFunc func() any

// ParamsOf returns a ParamsFunc allocating a new T.
func ParamsOf[T any]() ParamsFunc {
	return func() any { return new(T) }
}

// MethodTable maps method names to their payload constructors. It is the
// decode half of a service's dispatch contract. Populate it during setup;
// it is not safe to register while decoding on another goroutine.
type MethodTable struct {
	methods map[string]ParamsFunc
}

// NewMethodTable returns an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{methods: make(map[string]ParamsFunc)}
}

// Register adds a method. newParams may be nil for a method that takes no
// parameters. Registering a name twice panics.
//
// Parameters:
//   - name: Fully qualified method name, e.g. "org.zeenix.Person.GetName"
//   - newParams: Constructor for the method's payload, or nil
//
// Returns:
//   - The table, for chaining
func (t *MethodTable) Register(name string, newParams ParamsFunc) *MethodTable {
	if name == "" {
		panic("frame: empty method name")
	}

	if _, exists := t.methods[name]; exists {
		panic("frame: method registered twice: " + name)
	}

	t.methods[name] = newParams
	return t
}

// Has reports whether name is registered.
func (t *MethodTable) Has(name string) bool {
	_, ok := t.methods[name]
	return ok
}

// Names returns the registered method names in sorted order.
func (t *MethodTable) Names() []string {
	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Decode parses one call frame. Failures are always *DecodeError.
//
// Parameters:
//   - data: One complete JSON document
//
// Returns:
//   - The decoded Call, independent of data
//   - A *DecodeError if data is malformed, names an unknown method, or
//     carries params that do not fit the method
func (t *MethodTable) Decode(data []byte) (*Call, error) {
	var raw callFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Kind: DecodeMalformed, Err: err}
	}

	if raw.Method == "" {
		return nil, &DecodeError{Kind: DecodeMalformed, Err: errors.New("missing method name")}
	}

	newParams, ok := t.methods[raw.Method]
	if !ok {
		return nil, &DecodeError{Kind: DecodeUnknownMethod, Method: raw.Method, Err: ErrUnknownMethod}
	}

	call := &Call{Method: raw.Method, More: raw.More}
	present := len(raw.Params) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Params), []byte("null"))

	if newParams == nil {
		if present && !isEmptyObject(raw.Params) {
			return nil, &DecodeError{
				Kind:   DecodeInvalidParameter,
				Method: raw.Method,
				Err:    errors.New("method takes no parameters"),
			}
		}

		return call, nil
	}

	params := newParams()
	if present {
		dec := json.NewDecoder(bytes.NewReader(raw.Params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(params); err != nil {
			return nil, &DecodeError{Kind: DecodeInvalidParameter, Method: raw.Method, Err: err}
		}
	}

	call.Params = params
	return call, nil
}

func isEmptyObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && len(m) == 0
}

// EncodeCall renders call in request form. Params are omitted when nil and
// "more" is omitted when false.
func EncodeCall(call *Call) ([]byte, error) {
	if call == nil || call.Method == "" {
		return nil, errors.New("frame: call without method name")
	}

	out := callFrame{Method: call.Method, More: call.More}
	if call.Params != nil {
		params, err := json.Marshal(call.Params)
		if err != nil {
			return nil, fmt.Errorf("frame: encode params of %s: %w", call.Method, err)
		}

		out.Params = params
	}

	return json.Marshal(out)
}
