package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"disputeflow/auth"
	"disputeflow/dispute"
	"disputeflow/workflow"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "user_id"
	ctxKeyPhone  contextKey = "phone"
	ctxKeyRole   contextKey = "role"
)

type disputeService interface {
	File(ctx context.Context, req dispute.IntakeRequest) (dispute.Dispute, error)
	Get(ctx context.Context, id string) (dispute.Dispute, error)
	ListForPhone(ctx context.Context, phone string) ([]dispute.Dispute, error)
	Events(ctx context.Context, id string) ([]dispute.Event, error)
}

type authService interface {
	PhoneLogin(ctx context.Context, req auth.PhoneLoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

type redriver interface {
	Redrive(ctx context.Context, disputeID, operatorID string) (workflow.Result, error)
}

type submitter interface {
	Submit(disputeID string) bool
}

type Server struct {
	disputeService disputeService
	authService    authService
	redriver       redriver
	dispatcher     submitter
	logger         *slog.Logger
}

func NewServer(disputes disputeService, authSvc authService, redriver redriver, dispatcher submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		disputeService: disputes,
		authService:    authSvc,
		redriver:       redriver,
		dispatcher:     dispatcher,
		logger:         logger.With("component", "http"),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/phone-login", s.handlePhoneLogin)
	mux.Handle("/api/auth/me", s.requireAuth(http.HandlerFunc(s.handleMe)))
	mux.Handle("/api/disputes", s.requireAuth(http.HandlerFunc(s.handleDisputes)))
	mux.Handle("/api/disputes/", s.requireAuth(http.HandlerFunc(s.handleDisputeDetail)))
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type phoneLoginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID       string `json:"id"`
	Phone    string `json:"phone"`
	FullName string `json:"fullName,omitempty"`
	Role     string `json:"role"`
}

func (s *Server) handlePhoneLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.PhoneLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	phone, err := dispute.NormalizePhone(req.Phone)
	if err != nil {
		writeError(w, http.StatusBadRequest, "phone must be E.164 or a 10-digit national number")
		return
	}
	req.Phone = phone

	result, err := s.authService.PhoneLogin(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case errors.Is(err, auth.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, "phone must be E.164")
		return
	default:
		s.logger.Error("phone login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, phoneLoginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Phone:    result.User.Phone,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	user, err := s.authService.GetUserByID(r.Context(), userID)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	default:
		s.logger.Error("load user failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{
		ID:       user.ID,
		Phone:    user.Phone,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

type createDisputeRequest struct {
	TransactionID string `json:"transactionId"`
	MerchantUPI   string `json:"merchantUpi"`
	Amount        int64  `json:"amount"`
	CustomerPhone string `json:"customerPhone"`
	Reason        string `json:"reason,omitempty"`
}

type createDisputeResponse struct {
	DisputeID string `json:"disputeId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type disputeResponse struct {
	ID                   string   `json:"id"`
	TransactionID        string   `json:"transactionId"`
	MerchantUPI          string   `json:"merchantUpi"`
	Amount               int64    `json:"amount"`
	CustomerPhone        string   `json:"customerPhone"`
	Reason               string   `json:"reason,omitempty"`
	Status               string   `json:"status"`
	Message              string   `json:"message"`
	NEFTReference        *string  `json:"neftReference,omitempty"`
	RiskTier             *string  `json:"riskTier,omitempty"`
	RiskScore            *float64 `json:"riskScore,omitempty"`
	VerificationAttempts int      `json:"verificationAttempts"`
	CreatedAt            string   `json:"createdAt"`
	UpdatedAt            string   `json:"updatedAt"`
}

func newDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:                   d.ID,
		TransactionID:        d.TransactionID,
		MerchantUPI:          d.MerchantUPI,
		Amount:               d.Amount,
		CustomerPhone:        d.CustomerPhone,
		Reason:               d.Reason,
		Status:               string(d.Status),
		Message:              d.Message,
		NEFTReference:        d.NEFTReference,
		RiskTier:             d.RiskTier,
		RiskScore:            d.RiskScore,
		VerificationAttempts: d.VerificationAttempts,
		CreatedAt:            d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleCreateDispute(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if roleFrom(r.Context()) == auth.RoleCustomer {
		phone, err := dispute.NormalizePhone(req.CustomerPhone)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if phone != phoneFrom(r.Context()) {
			writeError(w, http.StatusForbidden, "customers may only dispute their own transactions")
			return
		}
	}

	d, err := s.disputeService.File(r.Context(), dispute.IntakeRequest{
		TransactionID: req.TransactionID,
		MerchantUPI:   req.MerchantUPI,
		Amount:        req.Amount,
		CustomerPhone: req.CustomerPhone,
		Reason:        req.Reason,
	})
	switch {
	case err == nil:
	case errors.Is(err, dispute.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispute.ErrDuplicateTransaction):
		writeError(w, http.StatusConflict, "a dispute already exists for this transaction")
		return
	default:
		s.logger.Error("file dispute failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to file dispute")
		return
	}

	if s.dispatcher != nil {
		s.dispatcher.Submit(d.ID)
	}

	writeJSON(w, http.StatusCreated, createDisputeResponse{
		DisputeID: d.ID,
		Status:    string(d.Status),
		Message:   d.Message,
	})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	phone := phoneFrom(r.Context())
	if roleFrom(r.Context()) == auth.RoleOperator {
		if q := r.URL.Query().Get("phone"); q != "" {
			phone = q
		}
	}

	items, err := s.disputeService.ListForPhone(r.Context(), phone)
	if err != nil {
		if errors.Is(err, dispute.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list disputes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list disputes")
		return
	}

	out := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		out = append(out, newDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, "invalid dispute path")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetDispute(w, r, id)
		return
	}

	switch parts[1] {
	case "redrive":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRedrive(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, id string) {
	d, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dispute not found")
			return
		}
		s.logger.Error("get dispute failed", "dispute_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load dispute")
		return
	}
	// Customers only see their own disputes; anything else looks absent.
	if roleFrom(r.Context()) != auth.RoleOperator && d.CustomerPhone != phoneFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "dispute not found")
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

type runResponse struct {
	DisputeID     string   `json:"disputeId"`
	Status        string   `json:"status"`
	Outcome       string   `json:"outcome,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	RiskTier      string   `json:"riskTier,omitempty"`
	RiskScore     *float64 `json:"riskScore,omitempty"`
	NEFTReference string   `json:"neftReference,omitempty"`
}

func newRunResponse(res workflow.Result) runResponse {
	out := runResponse{
		DisputeID:     res.DisputeID,
		Status:        string(res.Status),
		NEFTReference: res.NEFTReference,
	}
	if res.Decision != nil {
		out.Outcome = string(res.Decision.Outcome)
		out.Reason = res.Decision.Reason
	}
	if res.Assessment != nil {
		out.RiskTier = string(res.Assessment.Tier)
		score := res.Assessment.Score
		out.RiskScore = &score
	}
	return out
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request, id string) {
	if roleFrom(r.Context()) != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}

	// The run outlives the request; a dropped connection must not strand the
	// dispute mid-verification.
	res, err := s.redriver.Redrive(context.WithoutCancel(r.Context()), id, userIDFrom(r.Context()))
	switch {
	case err == nil:
	case errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, "dispute not found")
		return
	case errors.Is(err, dispute.ErrConflict), errors.Is(err, dispute.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case res.Status != "":
		s.logger.Warn("redrive finished with error", "dispute_id", id, "status", res.Status, "error", err)
	default:
		s.logger.Error("redrive failed", "dispute_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "redrive failed")
		return
	}

	writeJSON(w, http.StatusAccepted, newRunResponse(res))
}

type eventResponse struct {
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	FromStatus string         `json:"fromStatus,omitempty"`
	ToStatus   string         `json:"toStatus"`
	ActorID    string         `json:"actorId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         string         `json:"at"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if roleFrom(r.Context()) != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}

	events, err := s.disputeService.Events(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dispute not found")
			return
		}
		s.logger.Error("list events failed", "dispute_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			Seq:        ev.Seq,
			Type:       ev.Type,
			FromStatus: string(ev.FromStatus),
			ToStatus:   string(ev.ToStatus),
			ActorID:    ev.ActorID,
			Payload:    ev.Payload,
			At:         ev.At.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyPhone, claims.Phone)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func phoneFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyPhone).(string)
	return v
}

func roleFrom(ctx context.Context) auth.Role {
	v, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return v
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
