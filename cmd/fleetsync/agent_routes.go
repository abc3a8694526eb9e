package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/vendingops/fleetsync"
)

const maxActionBody = 1 << 20

// agentStatus is the body of GET /status.
type agentStatus struct {
	Scheduler   fleetsync.SchedulerStatus    `json:"scheduler"`
	QueueLength int                          `json:"queue_length"`
	Health      *fleetsync.HealthSnapshot    `json:"health,omitempty"`
	Online      bool                         `json:"online"`
	Events      *fleetsync.SubscriptionState `json:"events,omitempty"`
	Analytics   fleetsync.AnalyticsStats     `json:"analytics"`
}

// newAgentRouter builds the local agent API. ctx bounds work that outlives a
// request, such as a restarted event subscription.
func newAgentRouter(ctx context.Context, mgr *fleetsync.OfflineManager, push *fleetsync.PushReceiver, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", fleetsync.PushSignatureHeader},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	h := &agentHandler{ctx: ctx, mgr: mgr}
	r.Get("/status", h.status)
	r.Get("/queue", h.listQueue)
	r.Post("/actions", h.submit)
	r.Post("/sync", h.sync)
	r.Route("/analytics", func(r chi.Router) {
		r.Get("/status", h.allStatus)
		r.Get("/motors/{motorID}", h.motorAnalytics)
		r.Post("/refresh", h.refresh)
	})
	r.Post("/events/reset", h.resetEvents)
	if push != nil {
		r.Method(http.MethodPost, "/push", push.HTTPHandler())
	}
	return r
}

func requestLogger(l logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("agent request")
		})
	}
}

type agentHandler struct {
	ctx context.Context
	mgr *fleetsync.OfflineManager
}

func (h *agentHandler) status(w http.ResponseWriter, r *http.Request) {
	n, err := h.mgr.Queue.Len(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	st := agentStatus{
		Scheduler:   h.mgr.Scheduler.Status(),
		QueueLength: n,
		Analytics:   h.mgr.Analytics.Stats(),
	}
	if snap, ok := h.mgr.Monitor.Snapshot(); ok {
		st.Health = &snap
		st.Online = snap.SystemOnline()
	}
	if h.mgr.Events != nil {
		ev := h.mgr.Events.Status()
		st.Events = &ev
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *agentHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	actions, err := h.mgr.Queue.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if actions == nil {
		actions = []fleetsync.QueuedAction{}
	}
	respondJSON(w, http.StatusOK, actions)
}

func (h *agentHandler) submit(w http.ResponseWriter, r *http.Request) {
	var in fleetsync.ActionInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody)).Decode(&in); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if in.URL == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	res, err := h.mgr.Submit(r.Context(), in)
	if err != nil {
		var apiErr *fleetsync.APIError
		switch {
		case errors.As(err, &apiErr):
			respondError(w, apiErr.Status, err)
		case errors.Is(err, fleetsync.ErrEnqueue):
			respondError(w, http.StatusInternalServerError, err)
		default:
			respondError(w, http.StatusBadGateway, err)
		}
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

func (h *agentHandler) sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.mgr.Sync.Drain(r.Context())
	if errors.Is(err, fleetsync.ErrDrainBusy) {
		respondError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *agentHandler) allStatus(w http.ResponseWriter, r *http.Request) {
	all, err := h.mgr.Analytics.AllMotorStatus(r.Context(), r.URL.Query().Get("force") == "true")
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, all)
}

func (h *agentHandler) motorAnalytics(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "motorID"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid motor id"})
		return
	}
	a, err := h.mgr.Analytics.MotorAnalytics(r.Context(), id, r.URL.Query().Get("force") == "true")
	if err != nil {
		// serve the last cached copy while the backend is unreachable
		if cached, cerr := h.mgr.Analytics.CachedMotorAnalytics(id); cerr == nil {
			respondJSON(w, http.StatusOK, cached)
			return
		}
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *agentHandler) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.mgr.Analytics.Refresh(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (h *agentHandler) resetEvents(w http.ResponseWriter, r *http.Request) {
	if h.mgr.Events == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "events are disabled"})
		return
	}
	h.mgr.Events.ResetReconnectAttempts()
	if err := h.mgr.Events.Connect(h.ctx); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, h.mgr.Events.Status())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
