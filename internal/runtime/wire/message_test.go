package wire

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ranges"
)

func mustTime(layout, value string) time.Time {
	t, err := time.Parse(layout, value)
	if err != nil {
		panic(err)
	}
	return t
}

func numericSet(from, to int64, filters ...ranges.Filters) ranges.ChangeSet {
	var cs ranges.ChangeSet
	for _, f := range filters {
		q, err := ranges.NewNumericQuery(from, to, f)
		if err != nil {
			panic(err)
		}
		if err := cs.Push(q); err != nil {
			panic(err)
		}
	}
	return cs
}

func fixtures() map[string]Message {
	dates, err := ranges.NewDateQuery(
		mustTime(ranges.DateLayout, "2024-01-01"),
		mustTime(ranges.DateLayout, "2024-01-03"),
		ranges.Filters{"user": "alice"},
	)
	if err != nil {
		panic(err)
	}
	trades, err := ranges.NewDateTimeQuery(
		mustTime(ranges.DateTimeLayout, "2024-01-01T00:00:00"),
		mustTime(ranges.DateTimeLayout, "2024-01-01T12:30:00.5"),
		nil,
	)
	if err != nil {
		panic(err)
	}

	return map[string]Message{
		"data_store_updated_actions": DataStoreUpdated(0, ranges.Tables{
			"actions": numericSet(100, 200, ranges.Filters{"chain_id": 1}),
		}),
		"data_store_updated_buy_sell": DataStoreUpdated(1, ranges.Tables{
			"buy_sell": numericSet(100, 100, ranges.Filters{"user": "alice"}, ranges.Filters{"user": "bob"}),
		}),
		"data_store_updated_calendar": DataStoreUpdated(2, ranges.Tables{
			"balance_per_date": ranges.MustChangeSet(dates),
			"trades":           ranges.MustChangeSet(trades),
		}),
		"cancel_processing": CancelProcessing(2, []string{"balance_per_date"}),
	}
}

func TestWireFormat(t *testing.T) {
	g := goldie.New(t)
	for name, msg := range fixtures() {
		t.Run(name, func(t *testing.T) {
			payload, err := Encode(msg)
			require.NoError(t, err)
			g.Assert(t, name, payload)
		})
	}
}

func TestDecodeGoldenPayloads(t *testing.T) {
	for name, msg := range fixtures() {
		t.Run(name, func(t *testing.T) {
			payload, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, msg.Type, decoded.Type)
			assert.Equal(t, msg.Tier, decoded.Tier)
			assert.Equal(t, msg.Tables(), decoded.Tables())

			again, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, string(payload), string(again))
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty object":  `{}`,
		"both variants": `{"DataStoreUpdated":{"tier":0,"tables":{}},"CancelProcessing":{"tier":0,"tables":[]}}`,
		"unknown":       `{"Shutdown":{"tier":0}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, errspkg.ErrUnknownMessageKind)
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"DataStoreUpdated":{"tier":0,"tables":{"actions":[{"range":{"numeric":{"from":5,"to":1}},"filters":{}}]}}}`))
	assert.Error(t, err)
}

func TestEncodeRejectsZeroMessage(t *testing.T) {
	_, err := Message{}.MarshalJSON()
	assert.ErrorIs(t, err, errspkg.ErrUnknownMessageKind)
}

func TestEmptyCollectionsEncodeAsEmpty(t *testing.T) {
	payload, err := Encode(Message{Type: TypeDataStoreUpdated, Tier: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"DataStoreUpdated":{"tier":3,"tables":{}}}`, string(payload))

	payload, err = Encode(Message{Type: TypeCancelProcessing, Tier: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"CancelProcessing":{"tier":3,"tables":[]}}`, string(payload))
}

func TestMessageTables(t *testing.T) {
	msg := CancelProcessing(1, []string{"b", "a"})
	assert.Equal(t, []string{"a", "b"}, msg.Tables())
	assert.Equal(t, []string{"b", "a"}, msg.Cancelled)
	assert.Equal(t, "CancelProcessing{tier:1 tables:[a b]}", msg.String())
}
