// Package wire implements the ring's message framing: a 1-byte kind
// followed by a kind-specific payload. Numeric fields are big-endian,
// addresses are 4 IPv4 bytes plus a 2-byte port and ids are 20 bytes.
package wire

import (
	"errors"
	"fmt"

	"github.com/zde37/chordring/pkg/hash"
)

// Kind identifies a message type on the wire. Kinds 0 through 14 are the
// ring protocol proper. KindReplicate (15) is a local extension: it carries
// the full value like PUT but the receiver never forwards it.
type Kind uint8

const (
	KindPing               Kind = 0
	KindPingReply          Kind = 1
	KindSuccessor          Kind = 2
	KindSuccessorReply     Kind = 3
	KindPredecessor        Kind = 4
	KindPredecessorReply   Kind = 5
	KindNotify             Kind = 6
	KindGet                Kind = 7
	KindGetReply           Kind = 8
	KindGetReplyInvalid    Kind = 9
	KindPut                Kind = 10
	KindAppend             Kind = 11
	KindSuccessorList      Kind = 12
	KindSuccessorListReply Kind = 13
	KindRemove             Kind = 14
	KindReplicate          Kind = 15
)

var kindNames = map[Kind]string{
	KindPing:               "PING",
	KindPingReply:          "PING_REPLY",
	KindSuccessor:          "SUCCESSOR",
	KindSuccessorReply:     "SUCCESSOR_REPLY",
	KindPredecessor:        "PREDECESSOR",
	KindPredecessorReply:   "PREDECESSOR_REPLY",
	KindNotify:             "NOTIFY",
	KindGet:                "GET",
	KindGetReply:           "GET_REPLY",
	KindGetReplyInvalid:    "GET_REPLY_INVALID",
	KindPut:                "PUT",
	KindAppend:             "APPEND",
	KindSuccessorList:      "SUCCESSOR_LIST",
	KindSuccessorListReply: "SUCCESSOR_LIST_REPLY",
	KindRemove:             "REMOVE",
	KindReplicate:          "REPLICATE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// IsRequest reports whether a message of this kind is sent to a node to ask
// for something, as opposed to answering a request.
func (k Kind) IsRequest() bool {
	switch k {
	case KindPing, KindSuccessor, KindPredecessor, KindNotify, KindGet,
		KindPut, KindAppend, KindSuccessorList, KindRemove, KindReplicate:
		return true
	}
	return false
}

// ExpectsReply reports whether the receiver answers a request of this kind.
func (k Kind) ExpectsReply() bool {
	switch k {
	case KindPing, KindSuccessor, KindPredecessor, KindGet, KindSuccessorList:
		return true
	}
	return false
}

var (
	// ErrUnknownKind is wrapped by a DecodeError for an undefined kind byte.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMalformedPayload is wrapped by a DecodeError when the payload does
	// not have the shape its kind requires.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrEmptyFrame is wrapped by a DecodeError for a zero-length frame.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrUnexpectedKind is wrapped by a DecodeError for a known kind that is
	// not valid where it arrived, such as a reply sent as a request.
	ErrUnexpectedKind = errors.New("unexpected message kind")
)

// DecodeError reports a frame that could not be interpreted.
type DecodeError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("wire: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("wire: %s: %v: %s", e.Kind, e.Err, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(k Kind, format string, args ...any) error {
	return &DecodeError{Kind: k, Reason: fmt.Sprintf(format, args...), Err: ErrMalformedPayload}
}

// Message is a decoded frame.
type Message struct {
	Kind    Kind
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Payload))
}

// Encode serializes m as [kind][payload].
func Encode(m Message) []byte {
	frame := make([]byte, 1+len(m.Payload))
	frame[0] = byte(m.Kind)
	copy(frame[1:], m.Payload)
	return frame
}

// Decode parses a frame and checks that its payload has the size its kind
// requires. The returned payload aliases frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, &DecodeError{Err: ErrEmptyFrame}
	}

	m := Message{Kind: Kind(frame[0]), Payload: frame[1:]}
	if !m.Kind.Known() {
		return Message{}, &DecodeError{Kind: m.Kind, Err: ErrUnknownKind}
	}
	if err := validate(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func validate(m Message) error {
	n := len(m.Payload)
	switch m.Kind {
	case KindPing, KindPingReply, KindPredecessor, KindSuccessorList, KindGetReplyInvalid:
		if n != 0 {
			return malformed(m.Kind, "expected empty payload, got %d bytes", n)
		}
	case KindSuccessor, KindGet, KindRemove:
		if n != hash.Size {
			return malformed(m.Kind, "expected %d byte id, got %d bytes", hash.Size, n)
		}
	case KindSuccessorReply, KindPredecessorReply, KindNotify:
		if n != AddressSize {
			return malformed(m.Kind, "expected %d byte address, got %d bytes", AddressSize, n)
		}
	case KindPut, KindAppend, KindReplicate:
		if n < hash.Size {
			return malformed(m.Kind, "payload shorter than a key: %d bytes", n)
		}
	case KindSuccessorListReply:
		if n%AddressSize != 0 {
			return malformed(m.Kind, "%d bytes is not a whole number of addresses", n)
		}
	case KindGetReply:
		// any value, including empty
	}
	return nil
}

func Ping() Message      { return Message{Kind: KindPing} }
func PingReply() Message { return Message{Kind: KindPingReply} }

// Successor asks the receiver for the successor of id.
func Successor(id hash.ID) Message {
	return Message{Kind: KindSuccessor, Payload: clone(id[:])}
}

func SuccessorReply(addr Address) Message {
	return Message{Kind: KindSuccessorReply, Payload: addr.Bytes()}
}

func Predecessor() Message { return Message{Kind: KindPredecessor} }

// PredecessorReply answers with addr, or the all-zero sentinel when addr is nil.
func PredecessorReply(addr *Address) Message {
	if addr == nil {
		return Message{Kind: KindPredecessorReply, Payload: make([]byte, AddressSize)}
	}
	return Message{Kind: KindPredecessorReply, Payload: addr.Bytes()}
}

// Notify tells the receiver that addr might be its predecessor.
func Notify(addr Address) Message {
	return Message{Kind: KindNotify, Payload: addr.Bytes()}
}

func Get(key hash.ID) Message {
	return Message{Kind: KindGet, Payload: clone(key[:])}
}

func GetReply(value []byte) Message {
	return Message{Kind: KindGetReply, Payload: clone(value)}
}

func GetReplyInvalid() Message { return Message{Kind: KindGetReplyInvalid} }

func Put(key hash.ID, value []byte) Message       { return keyValue(KindPut, key, value) }
func Append(key hash.ID, value []byte) Message    { return keyValue(KindAppend, key, value) }
func Replicate(key hash.ID, value []byte) Message { return keyValue(KindReplicate, key, value) }

func SuccessorList() Message { return Message{Kind: KindSuccessorList} }

func SuccessorListReply(addrs []Address) Message {
	payload := make([]byte, 0, len(addrs)*AddressSize)
	for _, a := range addrs {
		payload = a.AppendTo(payload)
	}
	return Message{Kind: KindSuccessorListReply, Payload: payload}
}

func Remove(key hash.ID) Message {
	return Message{Kind: KindRemove, Payload: clone(key[:])}
}

func keyValue(k Kind, key hash.ID, value []byte) Message {
	payload := make([]byte, hash.Size+len(value))
	copy(payload, key[:])
	copy(payload[hash.Size:], value)
	return Message{Kind: k, Payload: payload}
}

// ID returns the 20-byte id carried by SUCCESSOR, GET and REMOVE.
func (m Message) ID() (hash.ID, error) {
	var id hash.ID
	if len(m.Payload) != hash.Size {
		return id, malformed(m.Kind, "expected %d byte id, got %d bytes", hash.Size, len(m.Payload))
	}
	copy(id[:], m.Payload)
	return id, nil
}

// Address returns the address carried by SUCCESSOR_REPLY, PREDECESSOR_REPLY
// and NOTIFY. The no-predecessor sentinel decodes to the zero Address.
func (m Message) Address() (Address, error) {
	if len(m.Payload) != AddressSize {
		return Address{}, malformed(m.Kind, "expected %d byte address, got %d bytes", AddressSize, len(m.Payload))
	}
	return AddressFromBytes(m.Payload), nil
}

// KeyValue splits a PUT, APPEND or REPLICATE payload.
func (m Message) KeyValue() (hash.ID, []byte, error) {
	var key hash.ID
	if len(m.Payload) < hash.Size {
		return key, nil, malformed(m.Kind, "payload shorter than a key: %d bytes", len(m.Payload))
	}
	copy(key[:], m.Payload[:hash.Size])
	return key, clone(m.Payload[hash.Size:]), nil
}

// Addresses decodes a SUCCESSOR_LIST_REPLY payload.
func (m Message) Addresses() ([]Address, error) {
	if len(m.Payload)%AddressSize != 0 {
		return nil, malformed(m.Kind, "%d bytes is not a whole number of addresses", len(m.Payload))
	}
	out := make([]Address, 0, len(m.Payload)/AddressSize)
	for off := 0; off < len(m.Payload); off += AddressSize {
		out = append(out, AddressFromBytes(m.Payload[off:off+AddressSize]))
	}
	return out, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
