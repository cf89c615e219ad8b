package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/profile"
	"github.com/nidhogg/alara-bridge/internal/sacolu"
	"go.uber.org/zap"
)

// ProfileStore is the profile and audit surface used by the admin routes.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*profile.UserProfile, error)
	CreateProfile(ctx context.Context, p *profile.UserProfile) error
	ListLoopEvents(ctx context.Context, userID string, limit int) ([]profile.LoopEvent, error)
	ListPhaseTransitions(ctx context.Context, userID string, limit int) ([]profile.PhaseTransition, error)
}

// TriggerCatalog lists and imports seeker trigger definitions.
type TriggerCatalog interface {
	Definitions(ctx context.Context) ([]archetype.Definition, error)
	Import(ctx context.Context, defs []archetype.Definition) error
}

// PhaseManager moves users between lifecycle phases.
type PhaseManager interface {
	Transition(ctx context.Context, req sacolu.Request) (sacolu.Result, error)
	Advance(ctx context.Context, userID, trigger string) (sacolu.Result, error)
}

// ProfileDefaults seeds newly created profiles.
type ProfileDefaults struct {
	InitialPhase         string
	EvaluationWindowDays int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	enrich   func(http.Handler) http.Handler
	next     http.Handler
	profiles ProfileStore
	triggers TriggerCatalog
	phases   PhaseManager
	defaults ProfileDefaults
	logger   *zap.Logger
}

// NewHandler creates a new API handler. enrich wraps next on the
// interaction route.
func NewHandler(
	enrich func(http.Handler) http.Handler,
	next http.Handler,
	profiles ProfileStore,
	triggers TriggerCatalog,
	phases PhaseManager,
	defaults ProfileDefaults,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		enrich:   enrich,
		next:     next,
		profiles: profiles,
		triggers: triggers,
		phases:   phases,
		defaults: defaults,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Interaction route: enrichment in front of the AI relay
		r.With(h.enrich).Post("/echo/interact", h.next.ServeHTTP)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/users", h.createProfile)
			r.Get("/users/{id}", h.getProfile)
			r.Post("/users/{id}/phase", h.transitionPhase)
			r.Post("/users/{id}/phase/advance", h.advancePhase)
			r.Get("/triggers", h.listTriggers)
			r.Post("/triggers", h.importTriggers)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "alara-bridge"})
}

type createProfileRequest struct {
	UserID              string                   `json:"user_id"`
	BehavioralSignature map[string]float64       `json:"behavioral_signature"`
	SessionHistory      *profile.SessionHistory  `json:"session_history"`
	EchoInteraction     *profile.EchoInteraction `json:"echo_interaction"`
	Phase               string                   `json:"phase"`
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	phase := req.Phase
	if phase == "" {
		phase = h.defaults.InitialPhase
	}

	p := profile.New(req.UserID, phase, h.defaults.EvaluationWindowDays, time.Now().UTC())
	for k, v := range req.BehavioralSignature {
		p.BehavioralSignature[k] = v
	}
	p.SessionHistory = req.SessionHistory
	p.EchoInteraction = req.EchoInteraction

	if err := h.profiles.CreateProfile(r.Context(), p); err != nil {
		if errors.Is(err, profile.ErrExists) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("create profile", zap.String("user", req.UserID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("profile created", zap.String("user", p.UserID), zap.String("phase", phase))
	writeJSON(w, http.StatusCreated, p)
}

type profileResponse struct {
	Profile          *profile.UserProfile      `json:"profile"`
	LoopEvents       []profile.LoopEvent       `json:"loop_events"`
	PhaseTransitions []profile.PhaseTransition `json:"phase_transitions"`
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	p, err := h.profiles.GetProfile(r.Context(), id)
	if errors.Is(err, profile.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user profile not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	events, err := h.profiles.ListLoopEvents(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	transitions, err := h.profiles.ListPhaseTransitions(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Profile:          p,
		LoopEvents:       nonNil(events),
		PhaseTransitions: nonNil(transitions),
	})
}

type transitionRequest struct {
	ToPhase        string  `json:"to_phase"`
	Trigger        string  `json:"trigger"`
	SapienOverride bool    `json:"sapien_override"`
	OverrideReason *string `json:"override_reason"`
}

func (h *Handler) transitionPhase(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.phases.Transition(r.Context(), sacolu.Request{
		UserID:           chi.URLParam(r, "id"),
		ToPhase:          req.ToPhase,
		Trigger:          req.Trigger,
		OperatorOverride: req.SapienOverride,
		OverrideReason:   req.OverrideReason,
	})
	h.writePhaseResult(w, res, err)
}

func (h *Handler) advancePhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trigger string `json:"trigger"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.Trigger == "" {
		req.Trigger = "advance"
	}
	res, err := h.phases.Advance(r.Context(), chi.URLParam(r, "id"), req.Trigger)
	h.writePhaseResult(w, res, err)
}

func (h *Handler) writePhaseResult(w http.ResponseWriter, res sacolu.Result, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, sacolu.ErrInvalidTransition):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, sacolu.ErrNoProgression):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("phase transition", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	defs, err := h.triggers.Definitions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, nonNil(defs))
}

// importTriggers accepts a JSON array of definitions, or a YAML document with
// a seeker_triggers list when sent as application/yaml.
func (h *Handler) importTriggers(w http.ResponseWriter, r *http.Request) {
	var defs []archetype.Definition
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		var err error
		defs, err = archetype.LoadDefinitions(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&defs); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if len(defs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no trigger definitions supplied"})
		return
	}

	if err := h.triggers.Import(r.Context(), defs); err != nil {
		if errors.Is(err, archetype.ErrInvalidDefinition) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("import triggers", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ArchetypeID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imported": ids})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
