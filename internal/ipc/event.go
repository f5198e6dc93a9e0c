// Package ipc implements the full-duplex, message-framed link between the
// parent runtime and the child predictor process (spec §4.1).
package ipc

import "encoding/json"

// Tag identifies the kind of a framed Event.
type Tag string

const (
	TagLog             Tag = "log"
	TagOutputType      Tag = "output_type"
	TagOutput          Tag = "output"
	TagDone            Tag = "done"
	TagHeartbeat       Tag = "heartbeat"
	TagPredictionInput Tag = "prediction_input"
	TagCancel          Tag = "cancel"
	TagShutdown        Tag = "shutdown"
)

// Source identifies which child stream a Log event was captured from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
)

// Event is a tagged record flowing parent<->child over the Channel. Only
// the fields relevant to Tag are populated; the rest are zero.
type Event struct {
	Tag Tag `json:"tag"`

	// Log
	Source  Source `json:"source,omitempty"`
	Message string `json:"message,omitempty"`

	// OutputType
	Multi bool `json:"multi,omitempty"`

	// Output / PredictionInput
	Payload json.RawMessage `json:"payload,omitempty"`

	// Done
	Canceled     bool   `json:"canceled,omitempty"`
	Error        bool   `json:"error,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`

	// Cancel
	PredictionID string `json:"prediction_id,omitempty"`
}

// LogEvent builds a Log event, the most frequently emitted kind, so
// callers don't repeat the tag/field wiring.
func LogEvent(source Source, message string) Event {
	return Event{Tag: TagLog, Source: source, Message: message}
}

func OutputTypeEvent(multi bool) Event {
	return Event{Tag: TagOutputType, Multi: multi}
}

func OutputEvent(payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Tag: TagOutput, Payload: raw}, nil
}

// DoneEvent builds a Done event. metrics is marshaled into the event's
// Metrics field when non-empty (e.g. predict_time), nil otherwise.
func DoneEvent(canceled, isError bool, detail string, metrics map[string]any) Event {
	evt := Event{Tag: TagDone, Canceled: canceled, Error: isError, ErrorDetail: detail}
	if len(metrics) > 0 {
		if raw, err := json.Marshal(metrics); err == nil {
			evt.Metrics = raw
		}
	}
	return evt
}

func HeartbeatEvent() Event {
	return Event{Tag: TagHeartbeat}
}

func PredictionInputEvent(payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Tag: TagPredictionInput, Payload: raw}, nil
}

func CancelEvent(predictionID string) Event {
	return Event{Tag: TagCancel, PredictionID: predictionID}
}

func ShutdownEvent() Event {
	return Event{Tag: TagShutdown}
}
