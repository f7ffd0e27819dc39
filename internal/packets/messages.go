// Package packets defines the messages exchanged with clients over a websocket.
//
// Every frame is a JSON object with a single key naming the message type and
// the message body as its value, e.g. {"Id":{"id":42}}.
package packets

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags. The same tag is used in both directions where a message
// exists on both sides.
const (
	RequestIDType        = "RequestId"
	IDType               = "Id"
	CharacterUpdatedType = "CharacterUpdated"
)

var (
	// ErrUnknownMessage is returned for frames carrying no recognized tag.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMalformed is returned for frames that aren't a tagged JSON object or
	// whose body doesn't match the tag.
	ErrMalformed = errors.New("malformed message")
)

// ClientMessage is a message sent by a client.
type ClientMessage interface {
	Type() string
}

// RequestID asks the server to assign the client a new id.
type RequestID struct{}

// ID is sent by a reconnecting client to reclaim its previous id, and by the
// server to tell a client which id it has been given.
type ID struct {
	ID uint32 `json:"id"`
}

// CharacterUpdated carries a client's latest serialized character sheet.
type CharacterUpdated struct {
	Data string `json:"data"`
}

// CharacterBroadcast relays a sheet to other clients along with the id of the
// client that owns it. It shares the CharacterUpdated tag on the wire.
type CharacterBroadcast struct {
	Data  string `json:"data"`
	Owner uint32 `json:"owner"`
}

func (RequestID) Type() string          { return RequestIDType }
func (ID) Type() string                 { return IDType }
func (CharacterUpdated) Type() string   { return CharacterUpdatedType }
func (CharacterBroadcast) Type() string { return CharacterUpdatedType }

// ServerMessage is a message sent by the server.
type ServerMessage interface {
	Type() string
}

// Decode parses a frame sent by a client. Keys that aren't a known message
// type are skipped, so a frame is only rejected with ErrUnknownMessage when
// none of its keys are recognized.
func Decode(frame []byte) (ClientMessage, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(frame, &tagged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if tagged == nil {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformed)
	}

	for _, tag := range []string{RequestIDType, IDType, CharacterUpdatedType} {
		body, ok := tagged[tag]
		if !ok {
			continue
		}
		return decodeBody(tag, body)
	}
	return nil, ErrUnknownMessage
}

func decodeBody(tag string, body json.RawMessage) (ClientMessage, error) {
	switch tag {
	case RequestIDType:
		// The body carries nothing but must still be an object.
		var m struct{}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
		}
		return RequestID{}, nil
	case IDType:
		var m struct {
			ID *uint32 `json:"id"`
		}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
		}
		if m.ID == nil {
			return nil, fmt.Errorf("%w: %s: missing id", ErrMalformed, tag)
		}
		return ID{ID: *m.ID}, nil
	case CharacterUpdatedType:
		var m struct {
			Data *string `json:"data"`
		}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
		}
		if m.Data == nil {
			return nil, fmt.Errorf("%w: %s: missing data", ErrMalformed, tag)
		}
		return CharacterUpdated{Data: *m.Data}, nil
	}
	return nil, ErrUnknownMessage
}

// Encode serializes a message sent by the server.
func Encode(m ServerMessage) ([]byte, error) {
	switch m.(type) {
	case ID, CharacterBroadcast:
	default:
		return nil, fmt.Errorf("%T can't be sent to a client", m)
	}
	return json.Marshal(map[string]ServerMessage{m.Type(): m})
}
