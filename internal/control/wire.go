package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mqviet/ringlink/internal/call"
)

// callView is the JSON shape of a call record on the control API. Field
// names match the shared store schema so UIs see one vocabulary.
type callView struct {
	ID          string `json:"id"`
	CallerID    string `json:"callerId"`
	CalleeID    string `json:"calleeId"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt,omitempty"`
	CallerName  string `json:"callerName,omitempty"`
	CallerPhoto string `json:"callerPhoto,omitempty"`
	CalleeName  string `json:"calleeName,omitempty"`
	CalleePhoto string `json:"calleePhoto,omitempty"`
}

func callVM(c call.CallData) callView {
	v := callView{
		ID:          c.ID,
		CallerID:    c.CallerID,
		CalleeID:    c.CalleeID,
		Type:        string(c.Kind),
		Status:      string(c.Status),
		CallerName:  c.CallerName,
		CallerPhoto: c.CallerPhoto,
		CalleeName:  c.CalleeName,
		CalleePhoto: c.CalleePhoto,
	}
	if !c.CreatedAt.IsZero() {
		v.CreatedAt = c.CreatedAt.Format(time.RFC3339Nano)
	}
	return v
}

type eventView struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Call      *callView `json:"call,omitempty"`
	TrackID   string    `json:"track_id,omitempty"`
	TrackKind string    `json:"track_kind,omitempty"`
}

func eventVM(ev call.Event) eventView {
	v := eventView{
		Type:   string(ev.Type),
		CallID: ev.CallID,
		Reason: ev.Reason,
	}
	if ev.Call != nil {
		c := callVM(*ev.Call)
		v.Call = &c
	}
	if ev.Remote != nil {
		v.TrackID = ev.Remote.ID()
		v.TrackKind = ev.Remote.Kind()
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost registers a POST handler with a decoded JSON body. An empty
// body is allowed for endpoints that take no arguments.
func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}
