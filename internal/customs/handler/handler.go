// Package handler exposes the decision engine over HTTP. Request and
// response shapes mirror what the auth server sends and expects; decision
// endpoints fail closed, returning a block with a configured retry-after
// when the engine itself errors.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"customs/internal/customs/allowlist"
	"customs/internal/customs/checker"
	"customs/internal/customs/limits"
	domainerrors "customs/pkg/domain-errors"
	"customs/pkg/platform/httputil"
)

// Service is the engine surface the handler consumes.
type Service interface {
	Check(ctx context.Context, req checker.CheckRequest) (*checker.Result, error)
	CheckIPOnly(ctx context.Context, ip, action string) (*checker.Result, error)
	CheckAuthenticated(ctx context.Context, action, ip, uid string) (*checker.Result, error)
	FailedLoginAttempt(ctx context.Context, email, ip string, errno int64) error
	PasswordReset(ctx context.Context, email string) error
	BanEmail(ctx context.Context, email string) error
	BanIP(ctx context.Context, ip string) error
}

type Handler struct {
	service   Service
	limits    *limits.Provider
	allowlist *allowlist.Evaluator
	logger    *slog.Logger
	version   string
}

func New(service Service, lim *limits.Provider, allow *allowlist.Evaluator, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:   service,
		limits:    lim,
		allowlist: allow,
		logger:    logger,
		version:   version,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/check", h.HandleCheck)
	r.Post("/checkAuthenticated", h.HandleCheckAuthenticated)
	r.Post("/checkIpOnly", h.HandleCheckIPOnly)
	r.Post("/failedLoginAttempt", h.HandleFailedLoginAttempt)
	r.Post("/passwordReset", h.HandlePasswordReset)
	r.Post("/blockEmail", h.HandleBlockEmail)
	r.Post("/blockIp", h.HandleBlockIP)

	r.Get("/", h.HandleRoot)
	r.Get("/limits", h.HandleLimits)
	r.Get("/allowedIPs", h.HandleAllowedIPs)
	r.Get("/allowedEmailDomains", h.HandleAllowedEmailDomains)
	r.Get("/allowedPhoneNumbers", h.HandleAllowedPhoneNumbers)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

type checkRequest struct {
	Email   string            `json:"email"`
	IP      string            `json:"ip"`
	Action  string            `json:"action"`
	Headers map[string]string `json:"headers"`
	Payload struct {
		PhoneNumber string `json:"phoneNumber"`
		UnblockCode string `json:"unblockCode"`
	} `json:"payload"`
}

type checkResponse struct {
	Block      bool `json:"block"`
	RetryAfter int  `json:"retryAfter"`
	Unblock    bool `json:"unblock"`
	Suspect    bool `json:"suspect"`
}

func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Email == "" || req.IP == "" || req.Action == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"email, ip and action are all required"))
		return
	}

	res, err := h.service.Check(r.Context(), checker.CheckRequest{
		Email:        strings.ToLower(req.Email),
		IP:           req.IP,
		Action:       req.Action,
		PhoneNumber:  req.Payload.PhoneNumber,
		WantsUnblock: req.Payload.UnblockCode != "",
		Headers:      req.Headers,
	})
	if err != nil {
		// Fail closed: an attempt we could not count must not go through.
		h.logger.ErrorContext(r.Context(), "check failed", "error", err)
		httputil.WriteJSON(w, http.StatusOK, checkResponse{
			Block:      true,
			RetryAfter: h.limits.Current().RateLimitIntervalSeconds,
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, checkResponse{
		Block:      res.Block,
		RetryAfter: res.RetryAfter,
		Unblock:    res.Unblock,
		Suspect:    res.Suspect,
	})
}

type checkAuthenticatedRequest struct {
	Action string `json:"action"`
	IP     string `json:"ip"`
	UID    string `json:"uid"`
}

type checkAuthenticatedResponse struct {
	Block      bool `json:"block"`
	RetryAfter int  `json:"retryAfter"`
}

func (h *Handler) HandleCheckAuthenticated(w http.ResponseWriter, r *http.Request) {
	var req checkAuthenticatedRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Action == "" || req.IP == "" || req.UID == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"action, ip and uid are all required"))
		return
	}

	res, err := h.service.CheckAuthenticated(r.Context(), req.Action, req.IP, req.UID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkAuthenticated failed",
			"uid", req.UID, "ip", req.IP, "error", err)
		httputil.WriteJSON(w, http.StatusOK, checkAuthenticatedResponse{
			Block:      true,
			RetryAfter: h.limits.Current().BlockIntervalSeconds,
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, checkAuthenticatedResponse{
		Block:      res.Block,
		RetryAfter: res.RetryAfter,
	})
}

type checkIPOnlyRequest struct {
	IP     string `json:"ip"`
	Action string `json:"action"`
}

type checkIPOnlyResponse struct {
	Block      bool `json:"block"`
	RetryAfter int  `json:"retryAfter"`
	Suspect    bool `json:"suspect"`
}

func (h *Handler) HandleCheckIPOnly(w http.ResponseWriter, r *http.Request) {
	var req checkIPOnlyRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.IP == "" || req.Action == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"ip and action are both required"))
		return
	}

	res, err := h.service.CheckIPOnly(r.Context(), req.IP, req.Action)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkIpOnly failed", "error", err)
		httputil.WriteJSON(w, http.StatusOK, checkIPOnlyResponse{
			Block:      true,
			RetryAfter: h.limits.Current().IPRateLimitIntervalSeconds,
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, checkIPOnlyResponse{
		Block:      res.Block,
		RetryAfter: res.RetryAfter,
		Suspect:    res.Suspect,
	})
}

type failedLoginAttemptRequest struct {
	Email string `json:"email"`
	IP    string `json:"ip"`
	Errno int64  `json:"errno"`
}

func (h *Handler) HandleFailedLoginAttempt(w http.ResponseWriter, r *http.Request) {
	var req failedLoginAttemptRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Email == "" || req.IP == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"email and ip are both required"))
		return
	}

	if err := h.service.FailedLoginAttempt(r.Context(), strings.ToLower(req.Email), req.IP, req.Errno); err != nil {
		h.logger.ErrorContext(r.Context(), "failedLoginAttempt failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct{}{})
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

func (h *Handler) HandlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Email == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"email is required"))
		return
	}

	if err := h.service.PasswordReset(r.Context(), strings.ToLower(req.Email)); err != nil {
		h.logger.ErrorContext(r.Context(), "passwordReset failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct{}{})
}

type blockEmailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) HandleBlockEmail(w http.ResponseWriter, r *http.Request) {
	var req blockEmailRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Email == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"email is required"))
		return
	}

	if err := h.service.BanEmail(r.Context(), strings.ToLower(req.Email)); err != nil {
		h.logger.ErrorContext(r.Context(), "blockEmail failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct{}{})
}

type blockIPRequest struct {
	IP string `json:"ip"`
}

func (h *Handler) HandleBlockIP(w http.ResponseWriter, r *http.Request) {
	var req blockIPRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.IP == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeMissingParameters,
			"ip is required"))
		return
	}

	if err := h.service.BanIP(r.Context(), req.IP); err != nil {
		h.logger.ErrorContext(r.Context(), "blockIp failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func (h *Handler) HandleLimits(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.limits.Current())
}

func (h *Handler) HandleAllowedIPs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, stringList(h.allowlist.AllowedIPs()))
}

func (h *Handler) HandleAllowedEmailDomains(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, stringList(h.allowlist.AllowedEmailDomains()))
}

func (h *Handler) HandleAllowedPhoneNumbers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, stringList(h.allowlist.AllowedPhoneNumbers()))
}

// stringList keeps empty lists serializing as [] rather than null.
func stringList(entries []string) []string {
	if entries == nil {
		return []string{}
	}
	return entries
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeBadRequest, "malformed request body")
	}
	return nil
}
