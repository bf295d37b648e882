package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// Handler accepts records over HTTP POST.
// JSON bodies (object, array or NDJSON) are offered as-is; text/plain bodies
// are parsed as Prometheus exposition into one record.
type Handler struct {
	path    string
	maxBody int64
	sink    Offerer
	logger  *slog.Logger
}

// NewHandler builds the ingest handler.
// Params: path accepted URL path; maxBody request size cap; sink record consumer; logger diagnostics.
// Returns: handler instance.
func NewHandler(path string, maxBody int64, sink Offerer, logger *slog.Logger) *Handler {
	return &Handler{path: path, maxBody: maxBody, sink: sink, logger: logger}
}

// ServeHTTP decodes one request body and replies with batch counters.
// Params: w response writer; r request.
// Returns: none.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	defer body.Close()

	var (
		result Result
		err    error
	)
	if isPrometheusText(r.Header.Get("Content-Type")) {
		result, err = h.decodePrometheus(body)
	} else {
		result, err = DecodeJSON(body, h.sink)
	}
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		h.logger.Warn("ingest request rejected", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		writeResult(w, status, result, err)
		return
	}

	writeResult(w, http.StatusAccepted, result, nil)
}

// decodePrometheus parses exposition text into one record and offers it.
// Params: body request body.
// Returns: batch counters and read/parse error.
func (h *Handler) decodePrometheus(body io.Reader) (Result, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return Result{}, err
	}
	record, err := ParsePrometheusText(string(payload))
	if err != nil {
		return Result{}, err
	}
	if h.sink.Offer(record) {
		return Result{Accepted: 1}, nil
	}
	return Result{Dropped: 1}, nil
}

// isPrometheusText reports whether the content type is text exposition.
func isPrometheusText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, "text/plain")
}

// writeResult writes the JSON response body.
// Params: w response writer; status HTTP code; result counters; err optional error.
// Returns: none.
func writeResult(w http.ResponseWriter, status int, result Result, err error) {
	payload := struct {
		Result
		Error string `json:"error,omitempty"`
	}{Result: result}
	if err != nil {
		payload.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
