// Package httpapi exposes the coordinator control surface over HTTP: talk
// injection, chat source status, coordinator state and config, the active
// plan, and the mock endpoints used while developing overlays. The routes
// mount on the overlay server's mux so one listener serves both the overlay
// WebSocket and the JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawdtv/crawd/internal/coordinator"
	"github.com/crawdtv/crawd/internal/speech"
)

// Speaker runs utterances through the speech gate.
type Speaker interface {
	Talk(ctx context.Context, text string) (speech.Result, error)
	Reply(ctx context.Context, text string, chat speech.ReplyChat) (speech.Result, error)
}

// Coordinator is the slice of the coordinator the API drives.
type Coordinator interface {
	Status() coordinator.Snapshot
	UpdateConfig(patch coordinator.ConfigPatch) (coordinator.Config, error)
	GetPlan() (coordinator.Plan, bool)
	InjectMockChat(username, message string)
}

// ChatSources reports which chat adapters currently hold a live connection.
type ChatSources interface {
	ConnectedKeys() []string
}

// API handles the HTTP control surface.
type API struct {
	speaker Speaker
	coord   Coordinator
	sources ChatSources
	limiter *ipLimiter
}

// New creates an API. rateLimitRPM caps talk and mock requests per client IP;
// zero or negative disables the limiter.
func New(speaker Speaker, coord Coordinator, sources ChatSources, rateLimitRPM int) *API {
	a := &API{speaker: speaker, coord: coord, sources: sources}
	if rateLimitRPM > 0 {
		a.limiter = newIPLimiter(rateLimitRPM)
	}
	return a
}

// RegisterRoutes registers the API routes on the mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /crawd/talk", a.limited(a.handleTalk))
	mux.HandleFunc("GET /chat/status", a.handleChatStatus)
	mux.HandleFunc("GET /coordinator/status", a.handleCoordinatorStatus)
	mux.HandleFunc("POST /coordinator/config", a.handleCoordinatorConfig)
	mux.HandleFunc("GET /plan", a.handlePlan)
	mux.HandleFunc("POST /mock/chat", a.limited(a.handleMockChat))
	mux.HandleFunc("POST /mock/turn", a.limited(a.handleMockTurn))
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

type talkRequest struct {
	Message string `json:"message"`
}

// handleTalk speaks a message through the gate, bypassing the agent. Blocks
// until the overlay acks or the gate resolves fail-open.
func (a *API) handleTalk(w http.ResponseWriter, r *http.Request) {
	var req talkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	res, err := a.speaker.Talk(r.Context(), req.Message)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": res.Spoken})
}

func (a *API) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	keys := a.sources.ConnectedKeys()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"connected": keys})
}

func (a *API) handleCoordinatorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Status())
}

func (a *API) handleCoordinatorConfig(w http.ResponseWriter, r *http.Request) {
	var patch coordinator.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	cfg, err := a.coord.UpdateConfig(patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "config": cfg})
}

func (a *API) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := a.coord.GetPlan()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"plan": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": plan})
}

type mockChatRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// handleMockChat injects a synthetic chat message as if it arrived from a
// platform adapter. It flows through batching, prompts, and the overlay
// mirror like real chat.
func (a *API) handleMockChat(w http.ResponseWriter, r *http.Request) {
	var req mockChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and message are required"})
		return
	}

	a.coord.InjectMockChat(req.Username, req.Message)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type mockTurnRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Response string `json:"response"`
}

// handleMockTurn emits a scripted reply turn on the overlay bus without
// involving the agent or the chat pipeline. The overlay renders it exactly
// like a real reply, which is what it exists to exercise.
func (a *API) handleMockTurn(w http.ResponseWriter, r *http.Request) {
	var req mockTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.Response) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username, message and response are required"})
		return
	}

	res, err := a.speaker.Reply(r.Context(), req.Response, speech.ReplyChat{
		Username: req.Username,
		Message:  req.Message,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": res.Spoken})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limited wraps a handler with the per-IP rate limiter when one is
// configured.
func (a *API) limited(next http.HandlerFunc) http.HandlerFunc {
	if a.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
