package api

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cleaner-coordinator/internal/config"
	"cleaner-coordinator/internal/escalation"
	"cleaner-coordinator/internal/ratelimit"
	"cleaner-coordinator/internal/reply"
	"cleaner-coordinator/internal/store"
	"cleaner-coordinator/internal/telemetry"
)

// Server wires HTTP handlers: the inbound SMS webhook plus the small
// operational surface for triggering and inspecting invitation cycles.
type Server struct {
	cfg       config.Config
	store     *store.Store
	scheduler *escalation.Scheduler
	replies   *reply.Processor
	limiter   *ratelimit.TokenBucket
	logger    *zap.SugaredLogger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, sched *escalation.Scheduler, replies *reply.Processor, limiter *ratelimit.TokenBucket, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		replies:   replies,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/sms-reply", s.handleSMSReply)
	r.Post("/api/schedule-cleanings", s.handleScheduleCleanings)
	r.Get("/api/cleanings", s.handleListCleanings)
	r.Post("/api/cleanings", s.handleCreateCleaning)
	r.Post("/api/cleanings/{id}/cancel-escalation", s.handleCancelEscalation)
	r.Get("/api/sms-replies", s.handleListReplies)
	return r
}

// twimlResponse is the minimal TwiML the gateway expects back; an empty
// Message element list acknowledges without texting anything.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(twimlResponse{Message: message})
}

// handleSMSReply is the Twilio-style inbound webhook. Business non-matches
// always produce a valid acknowledgement; only infrastructure failures
// surface as 500.
func (s *Server) handleSMSReply(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:sms:"+from)
		if err != nil {
			s.logger.Warnw("rate limiter unavailable, letting reply through", "err", err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	ack, err := s.replies.HandleReply(r.Context(), from, body)
	if err != nil {
		s.logger.Errorw("reply handler failed", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, ack)
}

// handleScheduleCleanings triggers invitation scheduling for every upcoming
// cleaning of the tenant that has a primary phone set.
func (s *Server) handleScheduleCleanings(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	upcoming, err := s.store.ListUpcoming(r.Context(), tenant)
	if err != nil {
		http.Error(w, "failed to load cleanings", http.StatusInternalServerError)
		return
	}

	count := 0
	for _, c := range upcoming {
		if err := s.scheduler.ScheduleInvitations(r.Context(), c, tenant); err != nil {
			s.logger.Warnw("failed to schedule invitations", "cleaning", c.ID, "err", err)
			continue
		}
		count++
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})
}

type createCleaningRequest struct {
	Property       string     `json:"property"`
	Start          *time.Time `json:"start"`
	Status         string     `json:"status"`
	PrimaryPhone   string     `json:"primary_phone"`
	BackupPhone    string     `json:"backup_phone"`
	SecondaryPhone string     `json:"secondary_phone"`
}

func (s *Server) handleCreateCleaning(w http.ResponseWriter, r *http.Request) {
	var req createCleaningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	c, err := s.store.CreateCleaning(r.Context(), store.CreateCleaningParams{
		Tenant:         tenantFromRequest(r),
		Property:       req.Property,
		Start:          req.Start,
		Status:         req.Status,
		PrimaryPhone:   req.PrimaryPhone,
		BackupPhone:    req.BackupPhone,
		SecondaryPhone: req.SecondaryPhone,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCleanings(w http.ResponseWriter, r *http.Request) {
	cleanings, err := s.store.ListCleaningsForTenant(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, "failed to load cleanings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleanings": cleanings})
}

func (s *Server) handleCancelEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.CancelEscalation(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel escalation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "cleaning": id})
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request) {
	replies, err := s.store.ListReplies(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, "failed to load replies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
