package replication

import (
	"encoding/json"
	"fmt"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/stats"
)

// MessageType discriminates the payload carried by a [Message].
type MessageType string

// MessageType values.
const (
	MsgStatsMutation    MessageType = "stats_mutation"
	MsgListEvent        MessageType = "list_event"
	MsgFullSyncRequest  MessageType = "full_sync_request"
	MsgFullSyncResponse MessageType = "full_sync_response"
)

// Message is the envelope carried by every sealed frame, whether sent over
// UDP, TCP, or as part of a bulk-sync round.
type Message struct {
	// Type selects which of the payload fields below is populated.
	Type MessageType `json:"type"`

	// Origin is the sending sibling's configured name, used to detect and
	// drop messages that looped back to their originator through a
	// multi-hop relay.
	Origin string `json:"origin"`

	// StatsMutation is populated when Type is [MsgStatsMutation].
	StatsMutation *stats.Mutation `json:"stats_mutation,omitempty"`

	// ListEvent is populated when Type is [MsgListEvent].
	ListEvent *ListEventWire `json:"list_event,omitempty"`

	// FullSync is populated for [MsgFullSyncRequest]/[MsgFullSyncResponse].
	FullSync *FullSyncWire `json:"full_sync,omitempty"`
}

// ListEventWire is the wire form of a [filtering.Event]: it names the store
// the event applies to, since a [filtering.Event] itself doesn't carry one.
type ListEventWire struct {
	Store string          `json:"store"`
	Event filtering.Event `json:"event"`
}

// FullSyncWire carries a full bulk-sync round: every stats DB's dump and
// every list store's entries, keyed by name.
type FullSyncWire struct {
	Stats map[string][]stats.DumpEntry `json:"stats,omitempty"`
	Lists map[string][]filtering.Entry `json:"lists,omitempty"`
}

// Encode serialises m to JSON.  JSON (rather than a binary codec) keeps the
// wire format easy to inspect during incident response, matching how this
// service's HTTP API is also plain JSON.
func (m *Message) Encode() (b []byte, err error) {
	b, err = json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("replication: encoding message: %w", err)
	}

	return b, nil
}

// DecodeMessage parses b into a *Message.
func DecodeMessage(b []byte) (m *Message, err error) {
	m = &Message{}
	if err = json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("replication: decoding message: %w", err)
	}

	return m, nil
}
