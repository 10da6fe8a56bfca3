// Package wire holds the Message exchanged between tiers. Tier N's outbound
// payload is tier N+1's inbound payload, so the JSON form is a stable contract.
package wire

import (
	"fmt"
	"slices"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/jsoncodec"
	"github.com/drblury/tierflow/internal/runtime/ranges"
)

// Type distinguishes the two message variants.
type Type int

const (
	TypeDataStoreUpdated Type = iota + 1
	TypeCancelProcessing
)

func (t Type) String() string {
	switch t {
	case TypeDataStoreUpdated:
		return "DataStoreUpdated"
	case TypeCancelProcessing:
		return "CancelProcessing"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Message is either DataStoreUpdated, carrying the changed ranges per table,
// or CancelProcessing, naming the tables whose work should stop.
type Message struct {
	Type Type
	// Tier is the tier of the producer.
	Tier int
	// Changes is set for DataStoreUpdated.
	Changes ranges.Tables
	// Cancelled is set for CancelProcessing.
	Cancelled []string
}

func DataStoreUpdated(tier int, changes ranges.Tables) Message {
	if changes == nil {
		changes = ranges.Tables{}
	}
	return Message{Type: TypeDataStoreUpdated, Tier: tier, Changes: changes}
}

func CancelProcessing(tier int, tables []string) Message {
	return Message{Type: TypeCancelProcessing, Tier: tier, Cancelled: slices.Clone(tables)}
}

// Tables returns the affected table names in lexical order.
func (m Message) Tables() []string {
	if m.Type == TypeCancelProcessing {
		names := slices.Clone(m.Cancelled)
		slices.Sort(names)
		return names
	}
	return m.Changes.Names()
}

func (m Message) String() string {
	return fmt.Sprintf("%s{tier:%d tables:%v}", m.Type, m.Tier, m.Tables())
}

type updatedBody struct {
	Tier   int           `json:"tier"`
	Tables ranges.Tables `json:"tables"`
}

type cancelBody struct {
	Tier   int      `json:"tier"`
	Tables []string `json:"tables"`
}

type wireMessage struct {
	DataStoreUpdated *updatedBody `json:"DataStoreUpdated,omitempty"`
	CancelProcessing *cancelBody  `json:"CancelProcessing,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var out wireMessage
	switch m.Type {
	case TypeDataStoreUpdated:
		tables := m.Changes
		if tables == nil {
			tables = ranges.Tables{}
		}
		out.DataStoreUpdated = &updatedBody{Tier: m.Tier, Tables: tables}
	case TypeCancelProcessing:
		tables := m.Cancelled
		if tables == nil {
			tables = []string{}
		}
		out.CancelProcessing = &cancelBody{Tier: m.Tier, Tables: tables}
	default:
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageKind, m.Type)
	}
	return jsoncodec.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in wireMessage
	if err := jsoncodec.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.DataStoreUpdated != nil && in.CancelProcessing == nil:
		*m = DataStoreUpdated(in.DataStoreUpdated.Tier, in.DataStoreUpdated.Tables)
	case in.CancelProcessing != nil && in.DataStoreUpdated == nil:
		*m = CancelProcessing(in.CancelProcessing.Tier, in.CancelProcessing.Tables)
	default:
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageKind, data)
	}
	return nil
}

// Encode serializes m into a broker payload.
func Encode(m Message) ([]byte, error) {
	return jsoncodec.Marshal(m)
}

// Decode parses a broker payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := m.UnmarshalJSON(payload); err != nil {
		return Message{}, err
	}
	return m, nil
}
