// Package sse implements SseFrontend: the HTTP/1.1 request handler that
// serves long-lived SSE subscriptions on GET, accepts event submissions on
// POST, and answers HEAD as a connection probe.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andreasots/eventhub/internal/hub"
	"github.com/andreasots/eventhub/internal/middleware"
	"github.com/andreasots/eventhub/internal/ratelimit"
)

const sseContentType = "text/event-stream; charset=utf-8"

// Frontend implements http.Handler for the SSE/submission endpoint. One
// Frontend serves every path; the endpoint is derived per-request from the
// path.
type Frontend struct {
	hub               *hub.Hub
	keepAliveInterval time.Duration
	limiter           *ratelimit.Limiter
}

// New creates a Frontend backed by h. keepAliveInterval controls how often
// an idle GET stream receives a ": keep-alive\n\n" frame. limiter may be
// nil to disable POST throttling.
func New(h *hub.Hub, keepAliveInterval time.Duration, limiter *ratelimit.Limiter) *Frontend {
	if keepAliveInterval <= 0 {
		keepAliveInterval = 30 * time.Second
	}
	return &Frontend{hub: h, keepAliveInterval: keepAliveInterval, limiter: limiter}
}

// ServeHTTP dispatches HEAD/GET/POST to the matching handler; any other
// method is a 405.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := normalizeEndpoint(r.URL.Path)
	if !ok {
		http.Error(w, "malformed path", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodHead:
		f.handleHead(w)
	case http.MethodGet:
		f.handleGet(w, r, endpoint)
	case http.MethodPost:
		f.handlePost(w, r, endpoint)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// normalizeEndpoint decomposes path into its segments and rejoins each one
// prefixed with '/'. Query string and fragment never reach here since
// r.URL.Path already excludes them.
func normalizeEndpoint(path string) (string, bool) {
	if !strings.HasPrefix(path, "/") && path != "" {
		return "", false
	}
	var b strings.Builder
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String(), true
}

func (f *Frontend) handleHead(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sseContentType)
	w.WriteHeader(http.StatusOK)
}

func (f *Frontend) handleGet(w http.ResponseWriter, r *http.Request, endpoint string) {
	var lastEventID *int64
	if v := r.Header.Get("Last-Event-Id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "malformed Last-Event-Id", http.StatusBadRequest)
			return
		}
		lastEventID = &id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", sseContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeErr error
	replay := func(ev hub.Event) error {
		if writeErr != nil {
			return writeErr
		}
		writeErr = writeFrame(w, ev)
		flusher.Flush()
		return writeErr
	}

	sub, err := f.hub.Attach(endpoint, lastEventID, replay)
	if err != nil {
		slog.Error("sse: attach failed", "endpoint", endpoint, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		return
	}
	defer f.hub.Detach(sub)

	keepAlive := time.NewTicker(f.keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Outbox:
			if !ok {
				return
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame writes one SSE frame for ev: event:<name>\n, one data:<line>\n
// per line of ev.Data split on '\n', then id:<id>\n\n.
func writeFrame(w io.Writer, ev hub.Event) error {
	if _, err := fmt.Fprintf(w, "event:%s\n", ev.Name); err != nil {
		return err
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		if _, err := fmt.Fprintf(w, "data:%s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "id:%d\n\n", ev.ID)
	return err
}

// submission is the transient (access-key, event, data) triple extracted
// from a POST body, regardless of encoding.
type submission struct {
	AccessKey string
	Event     string
	Data      string
}

func (s submission) complete() bool {
	return s.AccessKey != "" && s.Event != "" && s.Data != ""
}

func (f *Frontend) handlePost(w http.ResponseWriter, r *http.Request, endpoint string) {
	if f.limiter != nil && !f.limiter.Allow(ratelimit.ClientIP(r)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		http.Error(w, "bad content type", http.StatusBadRequest)
		return
	}

	var sub submission
	switch mediaType {
	case "application/x-www-form-urlencoded":
		sub, err = parseURLEncoded(r.Body)
	case "multipart/form-data":
		sub, err = parseMultipart(r.Body, params["boundary"])
	case "application/json":
		sub, err = parseJSON(r.Body)
	default:
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !sub.complete() {
		http.Error(w, "missing field", http.StatusBadRequest)
		return
	}

	ok, err := f.hub.CheckAccessKey(endpoint, sub.AccessKey)
	if err != nil {
		slog.Error("sse: check access key failed", "endpoint", endpoint, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "bad access key", http.StatusForbidden)
		return
	}

	if err := f.hub.Publish(endpoint, sub.Event, sub.Data); err != nil {
		slog.Error("sse: publish failed", "endpoint", endpoint, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func parseURLEncoded(body io.Reader) (submission, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return submission{}, err
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return submission{}, err
	}
	return submission{
		AccessKey: values.Get("access-key"),
		Event:     values.Get("event"),
		Data:      values.Get("data"),
	}, nil
}

func parseMultipart(body io.Reader, boundary string) (submission, error) {
	if boundary == "" {
		return submission{}, fmt.Errorf("missing multipart boundary")
	}
	reader := multipart.NewReader(body, boundary)
	var sub submission
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return submission{}, err
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return submission{}, err
		}
		switch part.FormName() {
		case "access-key":
			sub.AccessKey = string(data)
		case "event":
			sub.Event = string(data)
		case "data":
			sub.Data = string(data)
		}
	}
	return sub, nil
}

func parseJSON(body io.Reader) (submission, error) {
	var payload struct {
		AccessKey string `json:"access-key"`
		Event     string `json:"event"`
		Data      string `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return submission{}, err
	}
	return submission{AccessKey: payload.AccessKey, Event: payload.Event, Data: payload.Data}, nil
}
