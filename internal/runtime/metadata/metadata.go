// Package metadata defines the broker headers tierflow attaches to messages.
package metadata

import (
	"maps"
	"strconv"

	"github.com/drblury/tierflow/internal/runtime/wire"
)

const (
	KeyTier          = "tier"
	KeyMessageKind   = "message_kind"
	KeyCorrelationID = "correlation_id"
	KeyContentType   = "content_type"
	// KeyError and KeySourceTopic are set on payloads moved to the poison queue.
	KeyError       = "error"
	KeySourceTopic = "source_topic"

	ContentTypeJSON = "application/json"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a copy that is never nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing every entry of entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.Clone()
	maps.Copy(cloned, entries)
	return cloned
}

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForMessage returns the headers of an outbound tier message.
func ForMessage(msg wire.Message, correlationID string) Metadata {
	return New(
		KeyTier, strconv.Itoa(msg.Tier),
		KeyMessageKind, msg.Type.String(),
		KeyCorrelationID, correlationID,
		KeyContentType, ContentTypeJSON,
	)
}

// Tier parses the tier header.
func (m Metadata) Tier() (int, bool) {
	raw, ok := m[KeyTier]
	if !ok {
		return 0, false
	}
	tier, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return tier, true
}
