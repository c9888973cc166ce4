package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ephemeral-auth/internal/hygiene"
	"ephemeral-auth/internal/monitor"
	"ephemeral-auth/internal/service"
	"ephemeral-auth/internal/util"
)

// OrgHeader carries the tenant scope of every OTP request.
const OrgHeader = "X-Org-ID"

const maxBodyBytes = 16 << 10

// OTPHandler exposes the OTP life cycle over HTTP
type OTPHandler struct {
	otpService *service.OTPService
	monitor    *monitor.Monitor
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, mon *monitor.Monitor, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		monitor:    mon,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error:   code,
		Message: message,
	}
}

type sendOTPRequest struct {
	SubjectID    string `json:"subject_id"`
	Identifier   string `json:"identifier"`
	CompanyCode  string `json:"company_code,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

type verifyOTPRequest struct {
	Identifier   string `json:"identifier"`
	CompanyCode  string `json:"company_code,omitempty"`
	Code         string `json:"code"`
	IssueSession bool   `json:"issue_session"`
}

type redeemSessionRequest struct {
	Token string `json:"token"`
}

// RegisterRoutes registers the OTP and session routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(h.OrgRateLimit)
		r.Post("/otp/send", h.SendOTP)
		r.Post("/otp/verify", h.VerifyOTP)
	})
	router.Post("/session/redeem", h.RedeemSession)
	router.Get("/security/metrics", h.SecurityMetrics)
}

// OrgRateLimit throttles requests per org. Requests without an org are
// rejected.
func (h *OTPHandler) OrgRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(OrgHeader)
		if orgID == "" {
			h.respondWithError(w, http.StatusBadRequest, "missing_org", "Organization scope is required")
			return
		}
		res, err := h.otpService.CheckOrgRateLimit(r.Context(), orgID)
		if err != nil {
			h.respondWithError(w, http.StatusServiceUnavailable, "unavailable", "Please try again later")
			return
		}
		if !res.OK {
			setRetryAfter(w, res.TTL)
			h.respondWithError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.otpService.Send(r.Context(), service.SendRequest{
		SubjectID:    req.SubjectID,
		Identifier:   req.Identifier,
		CompanyCode:  req.CompanyCode,
		OrgID:        r.Header.Get(OrgHeader),
		ContactPhone: req.ContactPhone,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	switch res.Outcome {
	case service.SendRateLimited:
		setRetryAfter(w, res.RetryAfter)
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Error:   "rate_limited",
			Message: "Too many codes requested",
			Data:    map[string]int64{"retry_after_ms": res.RetryAfter.Milliseconds()},
		})
	case service.SendDeliveryFailed:
		h.respondWithError(w, http.StatusBadGateway, "delivery_failed", "Could not deliver the code")
	default:
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]time.Time{"expires_at": res.ExpiresAt}, "Code sent"))
	}
}

func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.otpService.Verify(r.Context(), service.VerifyRequest{
		Identifier:   req.Identifier,
		CompanyCode:  req.CompanyCode,
		OrgID:        r.Header.Get(OrgHeader),
		Code:         req.Code,
		IssueSession: req.IssueSession,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	switch res.Outcome {
	case service.VerifySuccess:
		data := map[string]interface{}{"subject_id": res.SubjectID}
		if res.SessionToken != "" {
			data["session_token"] = res.SessionToken
			data["session_expires_at"] = res.SessionExpiresAt
		}
		h.respondWithJSON(w, http.StatusOK, successResponse(data, service.UserMessage(res.Outcome)))
	case service.VerifyLocked:
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse("locked", service.UserMessage(res.Outcome)))
	default:
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse("invalid_code", service.UserMessage(res.Outcome)))
	}
}

func (h *OTPHandler) RedeemSession(w http.ResponseWriter, r *http.Request) {
	var req redeemSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.otpService.RedeemSession(r.Context(), req.Token)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	if res.Outcome != service.RedeemOK {
		h.respondWithError(w, http.StatusGone, "already_used", "Session is no longer valid")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"subject_id": res.Session.SubjectID,
		"identifier": res.Session.Identifier,
		"org_id":     res.Session.OrgID,
	}, "Session redeemed"))
}

func (h *OTPHandler) SecurityMetrics(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.monitor.GetMetrics(r.Context()), ""))
}

func (h *OTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return false
	}
	return true
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	h.logger.Debug("HTTP error response",
		util.Int("status_code", statusCode),
		util.String("error", code),
	)
	h.respondWithJSON(w, statusCode, errorResponse(code, message))
}

func (h *OTPHandler) respondWithServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrInvalidRequest) {
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", hygiene.SanitizeInput(err.Error()))
		return
	}
	h.logger.Error("OTP request failed", util.ErrorField(err))
	h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Please try again later")
}

func setRetryAfter(w http.ResponseWriter, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	secs := int64((ttl + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
