// Package relay serves a document store over WebSocket so two call
// participants can signal through it, and provides the matching client.
// The protocol is a thin op/ack/event framing of the store.Store surface;
// it carries offers, answers and candidates as opaque document fields.
package relay

import "github.com/mqviet/ringlink/internal/store"

// Op names accepted by the relay.
const (
	opCreate       = "create"
	opMerge        = "merge"
	opGet          = "get"
	opAppend       = "append"
	opSubDoc       = "sub_doc"
	opSubQuery     = "sub_query"
	opSubAppends   = "sub_appends"
	opUnsub        = "unsub"
)

// Event names pushed by the relay.
const (
	evDoc      = "doc"
	evAdded    = "added"
	evModified = "modified"
	evAppend   = "append"
)

// request is one client→relay frame. ReqID correlates the ack; SubID is
// client-assigned and identifies a subscription for its whole lifetime.
type request struct {
	Op         string       `json:"op"`
	ReqID      int64        `json:"req_id"`
	Collection string       `json:"collection,omitempty"`
	ID         string       `json:"id,omitempty"`
	Sub        string       `json:"sub,omitempty"`
	Data       store.Doc    `json:"data,omitempty"`
	Filters    []wireFilter `json:"filters,omitempty"`
	SubID      int64        `json:"sub_id,omitempty"`
}

// response is one relay→client frame: either the ack for a request or a
// subscription event.
type response struct {
	Kind   string    `json:"kind"` // "ack" or "event"
	ReqID  int64     `json:"req_id,omitempty"`
	Error  string    `json:"error,omitempty"`
	DocID  string    `json:"doc_id,omitempty"`
	Exists bool      `json:"exists,omitempty"`
	SubID  int64     `json:"sub_id,omitempty"`
	Event  string    `json:"event,omitempty"`
	ID     string    `json:"id,omitempty"`
	Data   store.Doc `json:"data,omitempty"`
}

type wireFilter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func toFilters(ws []wireFilter) []store.Filter {
	out := make([]store.Filter, len(ws))
	for i, w := range ws {
		out[i] = store.Filter{Field: w.Field, Value: w.Value}
	}
	return out
}

func fromFilters(fs []store.Filter) []wireFilter {
	out := make([]wireFilter, len(fs))
	for i, f := range fs {
		out[i] = wireFilter{Field: f.Field, Value: f.Value}
	}
	return out
}
