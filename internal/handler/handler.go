package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vincent-petithory/dataurl"

	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/prediction"
	"github.com/replicate/predictor-runtime/internal/upload"
	"github.com/replicate/predictor-runtime/internal/webhook"
)

// Handler is the C5 Prediction Event Handler: it owns the live
// Prediction for the duration of one prediction and is wired as the
// supervisor's subscriber while that prediction is in flight.
type Handler struct {
	pred         *prediction.Prediction
	sender       *webhook.Sender
	uploader     *upload.Client
	uploadPrefix string
	log          *logging.SugaredLogger
}

func New(pred *prediction.Prediction, sender *webhook.Sender, uploader *upload.Client, uploadPrefix string, log *logging.SugaredLogger) *Handler {
	return &Handler{
		pred:         pred,
		sender:       sender,
		uploader:     uploader,
		uploadPrefix: uploadPrefix,
		log:          log,
	}
}

// OfferStart offers the START webhook. The Runner calls this
// immediately after the prediction transitions out of STARTING, before
// any IPC event has arrived.
func (h *Handler) OfferStart() {
	h.sender.Offer(h.pred, prediction.EventStart)
}

// Handle processes one event from the supervisor's fan-out (spec §4.5's
// event processing rules). It is the supervisor's Subscriber for the
// duration of this prediction and therefore MUST NOT block.
func (h *Handler) Handle(evt ipc.Event) {
	switch evt.Tag {
	case ipc.TagLog:
		h.pred.AppendLog(evt.Message)
		h.sender.Offer(h.pred, prediction.EventLogs)

	case ipc.TagOutputType:
		h.pred.InitOutput(evt.Multi)
		h.sender.Offer(h.pred, prediction.EventOutput)

	case ipc.TagOutput:
		encoded := h.encodeOutput(evt.Payload)
		h.pred.AppendOutput(encoded)
		h.sender.Offer(h.pred, prediction.EventOutput)

	case ipc.TagDone:
		var metrics map[string]any
		if len(evt.Metrics) > 0 {
			_ = json.Unmarshal(evt.Metrics, &metrics) //nolint:errcheck // malformed metrics are dropped, not fatal
		}
		h.pred.Complete(evt.Canceled, evt.Error, evt.ErrorDetail, metrics, time.Now())
		h.sender.Offer(h.pred, prediction.EventCompleted)

	case ipc.TagHeartbeat:
		h.sender.Offer(h.pred, prediction.EventLogs)
	}
}

// Fail completes the prediction as FAILED with a generic message, for
// the fatal-worker-error path where no Done event will ever arrive
// (spec §7 "the in-flight prediction is completed as FAILED with a
// generic message").
func (h *Handler) Fail() {
	h.FailWithError("Prediction failed for an unknown reason")
}

// FailWithError completes the prediction as FAILED with msg, for paths
// that fail before any IPC event arrives (e.g. input payload decode).
func (h *Handler) FailWithError(msg string) {
	h.pred.Complete(false, true, msg, nil, time.Now())
	h.sender.Offer(h.pred, prediction.EventCompleted)
}

// encodeOutput decodes the raw JSON payload and walks it per §4.5.1:
// file leaves are uploaded (if an upload prefix is configured) or
// data-URL encoded inline. A payload whose decode fails is passed
// through verbatim as a string.
func (h *Handler) encodeOutput(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	encoded, err := Walk(v, h)
	if err != nil {
		h.log.Warnw("output encoding failed", "prediction_id", h.pred.ID, "error", err)
		return v
	}
	return encoded
}

// The following implement Visitor for Handler. Scalar/Mapping/Sequence
// pass their (already-walked) value through unchanged; only FileLeaf
// does real work. A file-typed leaf reaches the handler as the decoded
// `__cog_file__` marker object that *upload.File marshals to (see
// internal/upload/wire.go); Walk turns it back into an *upload.File
// before calling FileLeaf.

func (h *Handler) Scalar(v any) (any, error)          { return v, nil }
func (h *Handler) Mapping(m map[string]any) (any, error) { return m, nil }
func (h *Handler) Sequence(s []any) (any, error)      { return s, nil }

func (h *Handler) FileLeaf(f *upload.File) (any, error) {
	if h.uploadPrefix != "" {
		url, err := h.uploader.Put(context.Background(), h.uploadPrefix, f)
		if err != nil {
			h.log.Warnw("file upload failed, falling back to data url", "error", err)
			return h.dataURL(f)
		}
		return url, nil
	}
	return h.dataURL(f)
}

func (h *Handler) dataURL(f *upload.File) (any, error) {
	body, err := f.Read()
	if err != nil {
		return nil, err
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return dataurl.New(body, contentType).String(), nil
}
