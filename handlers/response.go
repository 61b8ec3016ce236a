package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"followup-mailer/apperror"

	"github.com/sirupsen/logrus"
)

// APIResponse struct for consistent JSON responses
type APIResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"` // "success" or "error"
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("[HTTP] Error marshalling JSON: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(response)
}

// errorResponse sends an error JSON response
func errorResponse(w http.ResponseWriter, message string, statusCode int) {
	respondWithJSON(w, statusCode, APIResponse{
		Message: message,
		Status:  "error",
	})
}

// successResponse sends a success JSON response
func successResponse(w http.ResponseWriter, message string, data any) {
	respondWithJSON(w, http.StatusOK, APIResponse{
		Message: message,
		Status:  "success",
		Data:    data,
	})
}

// respondError maps err to its status code. Server-side failures are logged with
// the request id and their detail is not sent to the client.
func respondError(w http.ResponseWriter, r *http.Request, err error, data any) {
	status := apperror.StatusCode(err)
	resp := APIResponse{Status: "error", Message: err.Error(), Data: data}

	var coded apperror.Coded
	if errors.As(err, &coded) {
		resp.Code = coded.ErrCode()
	}
	if status >= http.StatusInternalServerError {
		loggerFrom(r).Errorf("[HTTP] %s %s failed: %v", r.Method, r.URL.Path, err)
		resp.Message = "Internal server error"
	}
	respondWithJSON(w, status, resp)
}
