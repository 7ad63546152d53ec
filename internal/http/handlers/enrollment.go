package handlers

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/connectme/enrollment/internal/auth"
	"github.com/connectme/enrollment/internal/middleware"
	"github.com/connectme/enrollment/internal/model"
	"github.com/connectme/enrollment/internal/sms"
)

// verificationFlow is what registration and login have in common
type verificationFlow interface {
	Init(ctx context.Context, sid string) (auth.Status, error)
	StartVerification(ctx context.Context, sid string) (auth.Status, error)
	CheckCode(ctx context.Context, sid, code string) (auth.Admission, auth.Status, error)
	State(ctx context.Context, sid string) (auth.Status, error)
}

// stateResponse is the JSON body describing a process
type stateResponse struct {
	State             string `json:"state"`
	FailedAttempts    int    `json:"failed_attempts"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	DevCode           string `json:"dev_code,omitempty"`
}

// checkCodeRequest is the request body for POST .../verification/check
type checkCodeRequest struct {
	Code string `json:"code"`
}

// admissionResponse is the JSON body returned once a process completes
type admissionResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	PhoneNumber string `json:"phone_number"`
}

func newUserResponse(u model.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Username:    u.Username,
		PhoneNumber: u.PhoneNumber,
	}
}

func newStateResponse(st auth.Status) stateResponse {
	return stateResponse{
		State:             st.State,
		FailedAttempts:    st.AttemptCount,
		RetryAfterSeconds: ceilSeconds(st.RetryAfter),
	}
}

// flowHandler serves the endpoints shared by registration and login
type flowHandler struct {
	name    string
	flow    verificationFlow
	devCode string
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sid, ok := middleware.GetSessionID(r.Context())
	if !ok {
		log.Printf("[http] request without session id: %s %s", r.Method, r.URL.Path)
		respondWithError(w, http.StatusInternalServerError, reasonInternal)
	}
	return sid, ok
}

// HandleInit handles POST .../init
func (h *flowHandler) HandleInit(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	st, err := h.flow.Init(r.Context(), sid)
	h.respondState(w, h.name+" init", st, err)
}

// HandleStartVerification handles POST .../verification/start
func (h *flowHandler) HandleStartVerification(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	st, err := h.flow.StartVerification(r.Context(), sid)
	if err != nil {
		respondWithServiceError(w, h.name+" verification start", err, st)
		return
	}
	resp := newStateResponse(st)
	resp.DevCode = h.devCode
	respondJSON(w, http.StatusOK, resp)
}

// HandleCheckCode handles POST .../verification/check
func (h *flowHandler) HandleCheckCode(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req checkCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		respondWithError(w, http.StatusBadRequest, reasonInvalidRequest)
		return
	}

	adm, st, err := h.flow.CheckCode(r.Context(), sid, req.Code)
	if err != nil {
		respondWithServiceError(w, h.name+" verification check", err, st)
		return
	}
	respondJSON(w, http.StatusOK, admissionResponse{
		AccessToken: adm.AccessToken,
		TokenType:   "bearer",
		User:        newUserResponse(adm.User),
	})
}

// HandleState handles GET .../state
func (h *flowHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	st, err := h.flow.State(r.Context(), sid)
	h.respondState(w, h.name+" state", st, err)
}

func (h *flowHandler) respondState(w http.ResponseWriter, op string, st auth.Status, err error) {
	if err != nil {
		respondWithServiceError(w, op, err, st)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(st))
}

// RegistrationHandler handles /users/registration endpoints
type RegistrationHandler struct {
	flowHandler
	svc *auth.RegistrationService
}

// NewRegistrationHandler creates a new registration handler. devCode is echoed
// by verification start when non-empty.
func NewRegistrationHandler(svc *auth.RegistrationService, devCode string) *RegistrationHandler {
	return &RegistrationHandler{
		flowHandler: flowHandler{name: "registration", flow: svc, devCode: devCode},
		svc:         svc,
	}
}

// HandleUserData handles POST /users/registration/userdata
func (h *RegistrationHandler) HandleUserData(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req auth.RegistrationInput
	if !decodeBody(w, r, &req) {
		return
	}

	st, err := h.svc.SubmitUserData(r.Context(), sid, req)
	if err != nil {
		logMaskedPhone(req.PhoneNumber, "registration userdata rejected: %v", err)
	}
	h.respondState(w, "registration userdata", st, err)
}

// LoginHandler handles /users/login endpoints
type LoginHandler struct {
	flowHandler
	svc *auth.LoginService
}

// NewLoginHandler creates a new login handler
func NewLoginHandler(svc *auth.LoginService, devCode string) *LoginHandler {
	return &LoginHandler{
		flowHandler: flowHandler{name: "login", flow: svc, devCode: devCode},
		svc:         svc,
	}
}

// HandleCredentials handles POST /users/login/credentials
func (h *LoginHandler) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req auth.LoginInput
	if !decodeBody(w, r, &req) {
		return
	}

	st, err := h.svc.SubmitCredentials(r.Context(), sid, req)
	h.respondState(w, "login credentials", st, err)
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, newUserResponse(*user))
}

// logMaskedPhone logs a message prefixed with the masked phone number
func logMaskedPhone(phone, format string, args ...interface{}) {
	log.Printf("[http] phone "+sms.MaskPhone(phone)+": "+format, args...)
}
