package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var emptyReply = []byte("{}")

type singleReply struct {
	Parameters any `json:"parameters"`
}

type streamItem struct {
	Parameters any  `json:"parameters"`
	Continues  bool `json:"continues,omitempty"`
}

// EncodeSingle renders a successful reply: {"parameters": params}, or {}
// when params is nil.
func EncodeSingle(params any) ([]byte, error) {
	if params == nil {
		return append([]byte(nil), emptyReply...), nil
	}

	data, err := json.Marshal(singleReply{Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("frame: encode reply: %w", err)
	}

	return data, nil
}

// EncodeError renders an error payload exactly as the payload marshals,
// so a string payload "NotFound" goes out as "NotFound".
func EncodeError(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("frame: encode error reply: %w", err)
	}

	return data, nil
}

// EncodeStreamItem renders one item of a streamed reply. continues is true
// for every item except the final one.
func EncodeStreamItem(item any, continues bool) ([]byte, error) {
	data, err := json.Marshal(streamItem{Parameters: item, Continues: continues})
	if err != nil {
		return nil, fmt.Errorf("frame: encode stream item: %w", err)
	}

	return data, nil
}

// EncodeStreamEnd renders the {} frame that closes a streamed reply whose
// producer did not mark a final item.
func EncodeStreamEnd() []byte {
	return append([]byte(nil), emptyReply...)
}

// ReplyFrame is a reply as seen by a client. Exactly one of Parameters
// (possibly empty, for {}) or Error is meaningful.
//
// Error replies carry no marker on the wire, so they are told apart by
// shape only: a frame that is not a JSON object, or an object with an
// "error" member, is an error. An application error payload that is an
// object without an "error" member (for example {"code":1}) is
// indistinguishable from a successful reply and is reported as one, with
// that object's "parameters" (usually none). Services that want clients to
// see their errors should use a string payload or an object with "error".
type ReplyFrame struct {
	Parameters json.RawMessage
	Continues  bool
	Error      json.RawMessage
}

// IsEnd reports whether the frame is a bare {}: a reply without
// parameters, or the frame closing a stream.
func (r *ReplyFrame) IsEnd() bool {
	return !r.IsError() && !r.Continues && len(r.Parameters) == 0
}

// IsError reports whether the frame carried an error payload.
func (r *ReplyFrame) IsError() bool {
	return len(r.Error) > 0
}

// Decode unmarshals the reply parameters into v. It fails for error frames
// and for empty {} replies.
func (r *ReplyFrame) Decode(v any) error {
	if r.IsError() {
		return fmt.Errorf("frame: reply is an error: %s", r.Error)
	}

	if len(r.Parameters) == 0 {
		return errors.New("frame: reply has no parameters")
	}

	return json.Unmarshal(r.Parameters, v)
}

type replyObject struct {
	Parameters json.RawMessage `json:"parameters"`
	Continues  bool            `json:"continues"`
	Error      json.RawMessage `json:"error"`
}

// DecodeReply parses one reply frame. A frame that is not a JSON object, or
// an object with an "error" member, is an error reply and is kept whole in
// Error.
func DecodeReply(data []byte) (*ReplyFrame, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, errors.New("frame: reply is not valid JSON")
	}

	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &ReplyFrame{Error: append(json.RawMessage(nil), trimmed...)}, nil
	}

	var obj replyObject
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("frame: decode reply: %w", err)
	}

	if len(obj.Error) > 0 {
		return &ReplyFrame{Error: append(json.RawMessage(nil), trimmed...)}, nil
	}

	return &ReplyFrame{Parameters: obj.Parameters, Continues: obj.Continues}, nil
}
