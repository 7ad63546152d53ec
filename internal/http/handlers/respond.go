package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/connectme/enrollment/internal/auth"
	"github.com/connectme/enrollment/internal/process"
)

const (
	reasonUserDataInvalid    = "user_data_invalid"
	reasonUsernameTaken      = "username_taken"
	reasonPhoneNumberInUse   = "phone_number_in_use"
	reasonInvalidCredentials = "invalid_credentials"
	reasonInvalidRequest     = "invalid_request"
	reasonInternal           = "internal_error"
)

const maxBodyBytes = 1 << 20

// reasonFor maps a service error to its HTTP status and stable reason
func reasonFor(err error) (int, string) {
	switch reason := process.Reason(err); reason {
	case process.ReasonForbiddenInteraction:
		return http.StatusConflict, reason
	case process.ReasonAttemptNotAllowed:
		return http.StatusTooManyRequests, reason
	case process.ReasonWrongCode:
		return http.StatusUnauthorized, reason
	}

	switch {
	case errors.Is(err, auth.ErrUserDataInvalid):
		return http.StatusBadRequest, reasonUserDataInvalid
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict, reasonUsernameTaken
	case errors.Is(err, auth.ErrPhoneNumberInUse):
		return http.StatusConflict, reasonPhoneNumberInUse
	case errors.Is(err, auth.ErrNoSuchUser), errors.Is(err, auth.ErrWrongPassword):
		return http.StatusUnauthorized, reasonInvalidCredentials
	default:
		return http.StatusInternalServerError, reasonInternal
	}
}

// respondWithServiceError writes the error for err, adding Retry-After while
// verification attempts are blocked.
func respondWithServiceError(w http.ResponseWriter, op string, err error, st auth.Status) {
	status, reason := reasonFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[http] %s failed: %v", op, err)
	}
	if st.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(st.RetryAfter)))
	}
	respondWithError(w, status, reason)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, reason string) {
	respondJSON(w, statusCode, map[string]string{"error": reason})
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[http] failed to encode response: %v", err)
	}
}

// decodeBody decodes a JSON request body into dst
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, reasonInvalidRequest)
		return false
	}
	return true
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
