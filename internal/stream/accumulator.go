package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Accumulator reassembles tool-call arguments that providers deliver
// as incremental string fragments. It is a pure state machine keyed by
// the provider-assigned call id: entries are created by Start,
// extended by Append/AppendName, and converted into a finalized event
// by Finish when the owning block closes.
//
// A call whose buffered arguments do not parse as JSON is dropped,
// never surfaced with malformed arguments. A bad tool call must not
// end the stream.
type Accumulator struct {
	calls  map[string]*pendingCall
	logger *slog.Logger
}

type pendingCall struct {
	name string
	args strings.Builder
}

// NewAccumulator creates an empty accumulator. A nil logger defaults
// to slog.Default().
func NewAccumulator(logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		calls:  make(map[string]*pendingCall),
		logger: logger,
	}
}

// Start opens a new pending call. Starting an id that is already open
// resets its buffer.
func (a *Accumulator) Start(id, name string) {
	a.calls[id] = &pendingCall{name: name}
}

// Append adds an argument fragment to an open call. Appending to an
// unknown id is a no-op, guarding against out-of-order or duplicate
// provider events.
func (a *Accumulator) Append(id, fragment string) {
	if call, ok := a.calls[id]; ok {
		call.args.WriteString(fragment)
	}
}

// AppendName extends the tool name of an open call. Some providers
// deliver the name itself in fragments. Unknown ids are ignored.
func (a *Accumulator) AppendName(id, fragment string) {
	if call, ok := a.calls[id]; ok {
		call.name += fragment
	}
}

// Open reports whether id has an unfinalized entry.
func (a *Accumulator) Open(id string) bool {
	_, ok := a.calls[id]
	return ok
}

// Finish closes the call and returns its ready event. The second
// return value is false when the id was unknown or the buffered
// arguments were not valid JSON; in both cases the entry is discarded
// and the stream continues.
func (a *Accumulator) Finish(id string) (Event, bool) {
	call, ok := a.calls[id]
	if !ok {
		return Event{}, false
	}
	delete(a.calls, id)

	raw := strings.TrimSpace(call.args.String())
	if raw == "" {
		// Tool invoked with no arguments; providers send no fragments.
		raw = "{}"
	}

	if !json.Valid([]byte(raw)) {
		// Diagnostic only: a repairable buffer usually means the
		// provider truncated the stream rather than emitted garbage.
		// The call is dropped either way; only arguments that arrived
		// as valid JSON may surface as a ready event.
		repaired, err := jsonrepair.JSONRepair(raw)
		repairable := err == nil && json.Valid([]byte(repaired))
		a.logger.Warn("dropping tool call with malformed arguments",
			"id", id,
			"tool", call.name,
			"buffer_len", len(raw),
			"repairable", repairable,
		)
		return Event{}, false
	}

	return Event{
		Kind:      KindToolCallReady,
		ID:        id,
		Name:      call.name,
		Arguments: json.RawMessage(raw),
	}, true
}
