package wire

import "errors"

// MessageType is the stable numeric code identifying a frame's payload
// shape (spec section 6.2).
type MessageType uint8

const (
	TypeGetConfig      MessageType = 1
	TypeConfigResponse MessageType = 2
	TypeAddNode        MessageType = 3
	TypeRemoveNode     MessageType = 4
	TypeChangeNode     MessageType = 5
	TypeNodeDown       MessageType = 6
	TypeRegister       MessageType = 7
	TypeGetStats       MessageType = 8
	TypeStatsResponse  MessageType = 9
	TypePutObject      MessageType = 10
	TypeGetObject      MessageType = 11
	TypeDeleteObject   MessageType = 12
	TypeObjectValue    MessageType = 13
	TypeChangeConfig   MessageType = 14
	TypeOk             MessageType = 15
	TypeMiss           MessageType = 16
	TypeNotOwner       MessageType = 17
	TypeOutOfRoom      MessageType = 18
	TypeError          MessageType = 19
	TypeClear          MessageType = 20

	// TypeStatsText is an additive, out-of-band message type used only by
	// the master's plain-text admin surface (SPEC_FULL.md "Supplemented
	// components"). It is not part of the numbered protocol table and is
	// never sent by a conforming data node or client; it exists purely so
	// an operator tool can ask the master for a human-readable dump over
	// the same TCP port without speaking the binary payload formats.
	TypeStatsText MessageType = 240
)

var typeNames = map[MessageType]string{
	TypeGetConfig:      "GetConfig",
	TypeConfigResponse: "ConfigResponse",
	TypeAddNode:        "AddNode",
	TypeRemoveNode:     "RemoveNode",
	TypeChangeNode:     "ChangeNode",
	TypeNodeDown:       "NodeDown",
	TypeRegister:       "Register",
	TypeGetStats:       "GetStats",
	TypeStatsResponse:  "StatsResponse",
	TypePutObject:      "PutObject",
	TypeGetObject:      "GetObject",
	TypeDeleteObject:   "DeleteObject",
	TypeObjectValue:    "ObjectValue",
	TypeChangeConfig:   "ChangeConfig",
	TypeOk:             "Ok",
	TypeMiss:           "Miss",
	TypeNotOwner:       "NotOwner",
	TypeOutOfRoom:      "OutOfRoom",
	TypeError:          "Error",
	TypeClear:          "Clear",
	TypeStatsText:      "StatsText",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Known reports whether t is one of the defined message types. Unknown
// message types MUST elicit Error (spec section 6.2).
func (t MessageType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// PutFlagMigration is bit 0 of PutObject's flags byte: set when the Put is
// part of migration handoff rather than a client-initiated write (spec
// section 4.4). The receiver's ownership check still runs against its
// current ring and eviction still applies either way; the flag only
// changes how the sender and receiver log/account for the write.
const PutFlagMigration uint8 = 1 << 0

// ErrOversizePayload is returned by ReadFrame when a declared payload
// length exceeds the configured maximum.
var ErrOversizePayload = errors.New("wire: payload exceeds maximum frame size")

// ErrUnknownMessageType is the sentinel for a message type a handler does
// not honor (ReadFrame itself does not know which types a given connection
// honors). The node and master dispatchers do not return it: they answer an
// unknown type with an Error frame carrying the text "unknown message type".
var ErrUnknownMessageType = errors.New("wire: unknown message type")
