package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("protocol: malformed payload")
	ErrUnknownType   = errors.New("protocol: unknown message type")
	ErrInvalidFields = errors.New("protocol: invalid message fields")
)

// Request is one of HandshakeInit, ChatMessage or ComputeSum.
type Request interface {
	Type() MessageType
	request()
}

// Reply is any server-originated envelope.
type Reply interface {
	Type() MessageType
	reply()
}

type HandshakeInit struct {
	PublicKey string `json:"publicKey"`
}

type ChatMessage struct {
	Content string `json:"content"`
	IV      string `json:"iv"`
}

type PaillierKey struct {
	N Decimal `json:"n"`
	G Decimal `json:"g"`
}

type ComputeSum struct {
	PubKey *PaillierKey `json:"pub_key"`
	Values []Decimal    `json:"values"`
}

func (HandshakeInit) Type() MessageType { return MessageTypeHandshakeInit }
func (ChatMessage) Type() MessageType   { return MessageTypeChatMessage }
func (ComputeSum) Type() MessageType    { return MessageTypeComputeSum }

func (HandshakeInit) request() {}
func (ChatMessage) request()   {}
func (ComputeSum) request()    {}

type HandshakeReply struct {
	PublicKey string `json:"publicKey"`
}

type HandshakeError struct {
	Error string `json:"error"`
}

type ChatReply struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
	IV      string `json:"iv"`
}

type ChatError struct {
	Error string `json:"error"`
}

// ComputeResult carries the aggregate ciphertext, or null on failure.
type ComputeResult struct {
	Result *string `json:"result"`
}

func (HandshakeReply) Type() MessageType { return MessageTypeHandshakeReply }
func (HandshakeError) Type() MessageType { return MessageTypeHandshakeError }
func (ChatReply) Type() MessageType      { return MessageTypeChatReply }
func (ChatError) Type() MessageType      { return MessageTypeChatError }
func (ComputeResult) Type() MessageType  { return MessageTypeComputeResult }

func (HandshakeReply) reply() {}
func (HandshakeError) reply() {}
func (ChatReply) reply()      {}
func (ChatError) reply()      {}
func (ComputeResult) reply()  {}

// Decimal is an integer carried as a JSON string or a JSON number.
type Decimal string

func (d *Decimal) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Decimal(n)
	return nil
}

// Strings converts a Decimal slice for the aggregator.
func Strings(ds []Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

// Decode parses one inbound envelope.
//
// ErrMalformed means the payload was not a JSON object. ErrUnknownType means
// the type is missing or not a request. ErrInvalidFields comes with the
// zero-valued request of the right type, so callers can answer it the same
// way they answer an empty request.
func Decode(raw []byte) (Request, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		req Request
		err error
	)
	switch ParseMessageType(env.Type) {
	case MessageTypeHandshakeInit:
		var r HandshakeInit
		if err = json.Unmarshal(raw, &r); err != nil {
			r = HandshakeInit{}
		}
		req = r
	case MessageTypeChatMessage:
		var r ChatMessage
		if err = json.Unmarshal(raw, &r); err != nil {
			r = ChatMessage{}
		}
		req = r
	case MessageTypeComputeSum:
		var r ComputeSum
		if err = json.Unmarshal(raw, &r); err != nil {
			r = ComputeSum{}
		}
		req = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return req, fmt.Errorf("%w: %s: %v", ErrInvalidFields, env.Type, err)
	}
	return req, nil
}

// Encode serializes a reply with its "type" field.
func Encode(r Reply) ([]byte, error) {
	return encodeWithType(r, r.Type())
}

// EncodeRequest serializes a request with its "type" field. Servers never
// send requests; clients and tests do.
func EncodeRequest(r Request) ([]byte, error) {
	return encodeWithType(r, r.Type())
}

func encodeWithType(v any, t MessageType) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}
