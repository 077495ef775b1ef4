// Package http serves the REST API: dispatch, broadcast, ingress webhooks,
// template management, dead-letter operations, and stats.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/router"
)

// Gateway is the dispatch surface the REST API drives.
type Gateway interface {
	Send(ctx context.Context, msg *message.Message) *message.SendResult
	ActiveChannels() []string
	ChannelStatus() map[string]bool
	Stats() map[string]interface{}
	ListTemplates() (memory, files []string)
	RegisterTemplate(name, text string) error
	RemoveTemplate(name string) bool
	DeadLetters(limit int) []router.DeadLetterEntry
	DeadLetterCount() int
	RetryDeadLetter(ctx context.Context, index int) *message.SendResult
	ClearDeadLetters(ctx context.Context) int
}

// APIHandler serves the REST endpoints.
type APIHandler struct {
	gw     Gateway
	apiKey string

	// Ingress limiter: one token bucket per API key (or remote IP) on
	// mutating routes. Separate from the per-channel buckets the dispatch
	// engine consults.
	rpm      int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAPIHandler creates the REST handler. rateLimitRPM <= 0 disables the
// ingress limiter.
func NewAPIHandler(gw Gateway, apiKey string, rateLimitRPM int) *APIHandler {
	return &APIHandler{
		gw:       gw,
		apiKey:   apiKey,
		rpm:      rateLimitRPM,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterRoutes registers all REST routes on the given mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /channels", h.handleChannels)
	mux.HandleFunc("POST /webhook/{channel}", h.handleChannelWebhook)
	mux.HandleFunc("POST /webhook", h.handleWebhook)

	mux.HandleFunc("POST /send", h.auth(h.limit(h.handleSend)))
	mux.HandleFunc("POST /broadcast", h.auth(h.limit(h.handleBroadcast)))
	mux.HandleFunc("GET /templates", h.auth(h.handleTemplatesList))
	mux.HandleFunc("POST /templates", h.auth(h.limit(h.handleTemplateRegister)))
	mux.HandleFunc("DELETE /templates/{name}", h.auth(h.limit(h.handleTemplateRemove)))
	mux.HandleFunc("GET /dlq", h.auth(h.handleDLQList))
	mux.HandleFunc("POST /dlq/{index}/retry", h.auth(h.limit(h.handleDLQRetry)))
	mux.HandleFunc("DELETE /dlq", h.auth(h.limit(h.handleDLQClear)))
	mux.HandleFunc("GET /stats", h.auth(h.handleStats))
}

func (h *APIHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && r.Header.Get("X-API-Key") != h.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key"})
			return
		}
		next(w, r)
	}
}

// limit applies the ingress limiter to mutating routes.
func (h *APIHandler) limit(next http.HandlerFunc) http.HandlerFunc {
	if h.rpm <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiterFor(callerKey(r)).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (h *APIHandler) limiterFor(key string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(h.rpm)/60.0), h.rpm)
		h.limiters[key] = l
	}
	return l
}

// callerKey buckets requests by API key, falling back to the remote IP for
// keyless deployments.
func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type sendRequest struct {
	Channel      string                 `json:"channel"`
	Target       string                 `json:"target"`
	Text         string                 `json:"text"`
	Message      string                 `json:"message"`
	Template     string                 `json:"template"`
	TemplateVars map[string]interface{} `json:"template_vars"`
	Metadata     map[string]interface{} `json:"metadata"`
	Priority     *int                   `json:"priority"`
	Subject      string                 `json:"subject"`
	ParseMode    string                 `json:"parse_mode"`
	Username     string                 `json:"username"`
}

func (h *APIHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "malformed body"})
		return
	}

	ch, err := message.ParseChannel(body.Channel)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("Unknown channel: %s. Available: %v", body.Channel, channelNames()),
		})
		return
	}

	text := body.Text
	if text == "" {
		text = body.Message
	}
	if text == "" && body.Template == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Required: text or template"})
		return
	}

	priority := message.PriorityNormal
	if body.Priority != nil {
		priority, err = message.ParsePriority(*body.Priority)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid priority: %d", *body.Priority)})
			return
		}
	}

	metadata := make(map[string]interface{}, len(body.Metadata)+3)
	for k, v := range body.Metadata {
		metadata[k] = v
	}
	if body.Subject != "" {
		metadata["subject"] = body.Subject
	}
	if body.ParseMode != "" {
		metadata["parse_mode"] = body.ParseMode
	}
	if body.Username != "" {
		metadata["username"] = body.Username
	}

	msg := message.New(ch, text, body.Target)
	msg.Template = body.Template
	if body.TemplateVars != nil {
		msg.TemplateVars = body.TemplateVars
	}
	msg.Metadata = metadata
	msg.Priority = priority

	writeJSON(w, http.StatusOK, h.gw.Send(r.Context(), msg))
}

type broadcastRequest struct {
	Targets      []broadcastTarget      `json:"targets"`
	Text         string                 `json:"text"`
	Message      string                 `json:"message"`
	Template     string                 `json:"template"`
	TemplateVars map[string]interface{} `json:"template_vars"`
	Metadata     map[string]interface{} `json:"metadata"`
}

type broadcastTarget struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

// handleBroadcast sends the same content to each listed target. An unknown
// channel yields an inline failure entry, never a request failure.
func (h *APIHandler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "malformed body"})
		return
	}

	text := body.Text
	if text == "" {
		text = body.Message
	}
	if text == "" && body.Template == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Required: text or template"})
		return
	}

	results := make([]interface{}, 0, len(body.Targets))
	for _, t := range body.Targets {
		ch, err := message.ParseChannel(t.Channel)
		if err != nil {
			results = append(results, map[string]interface{}{
				"success": false,
				"error":   fmt.Sprintf("Unknown channel: %s", t.Channel),
				"target":  t.Target,
			})
			continue
		}

		msg := message.New(ch, text, t.Target)
		msg.Template = body.Template
		if body.TemplateVars != nil {
			msg.TemplateVars = body.TemplateVars
		}
		// Fresh map per message so rule transforms never leak between
		// targets.
		msg.Metadata = make(map[string]interface{}, len(body.Metadata))
		for k, v := range body.Metadata {
			msg.Metadata[k] = v
		}
		results = append(results, h.gw.Send(r.Context(), msg))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleChannelWebhook accepts provider callbacks. The body is logged and
// acknowledged; an unreadable body is treated as empty.
func (h *APIHandler) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	var body map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		body = map[string]interface{}{}
	}

	slog.Info("webhook received", "channel", channel)

	event := body["event"]
	if event == nil {
		event = "unknown"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "received",
		"channel": channel,
		"event":   event,
	})
}

func (h *APIHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}{Event: "message"}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "malformed body"})
		return
	}
	if body.Event == "" {
		body.Event = "message"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "received",
		"event":  body.Event,
	})
}

func (h *APIHandler) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	memory, files := h.gw.ListTemplates()
	if memory == nil {
		memory = []string{}
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memory": memory,
		"files":  files,
	})
}

func (h *APIHandler) handleTemplateRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "malformed body"})
		return
	}
	if body.Name == "" || body.Template == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "name and template are required"})
		return
	}

	if err := h.gw.RegisterTemplate(body.Name, body.Template); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "name": body.Name})
}

func (h *APIHandler) handleTemplateRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.gw.RemoveTemplate(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Template not found: %s", name)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

// handleDLQList returns the queue tail. count is always the full queue
// length, independent of limit.
func (h *APIHandler) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries := h.gw.DeadLetters(limit)
	messages := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, dlqEntry(e))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    h.gw.DeadLetterCount(),
		"messages": messages,
	})
}

func (h *APIHandler) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid index"})
		return
	}

	res := h.gw.RetryDeadLetter(r.Context(), index)
	if res == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Dead letter not found"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) handleDLQClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.gw.ClearDeadLetters(r.Context())})
}

func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Stats())
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.gw.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  stats["version"],
		"channels": h.gw.ChannelStatus(),
		"stats":    stats,
	})
}

func (h *APIHandler) handleChannels(w http.ResponseWriter, r *http.Request) {
	status := h.gw.ChannelStatus()
	chs := make([]map[string]interface{}, 0, len(status))
	for _, ch := range message.Channels() {
		enabled, ok := status[string(ch)]
		if !ok {
			continue
		}
		chs = append(chs, map[string]interface{}{"name": string(ch), "enabled": enabled})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": chs})
}

func dlqEntry(e router.DeadLetterEntry) map[string]interface{} {
	return map[string]interface{}{
		"message":     e.Message.ToMap(),
		"error":       e.Error,
		"retry_count": e.RetryCount,
		"failed_at":   message.FormatTime(e.FailedAt),
	}
}

func channelNames() []string {
	chs := message.Channels()
	names := make([]string, len(chs))
	for i, ch := range chs {
		names[i] = string(ch)
	}
	return names
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
