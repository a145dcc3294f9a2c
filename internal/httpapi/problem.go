package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moogar0880/problems"

	"github.com/serverlessdb/poolproxy/internal/perr"
)

// writeErrorResponse renders err as an RFC 7807 problem+json body, mapping
// internal/perr's ErrorKind taxonomy to an HTTP status and picking the
// message a client is allowed to see via perr.UserFacingError — falling
// back to a generic message for errors that don't implement it, so an
// unclassified internal failure never leaks its cause.
func writeErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := "internal error"

	var reportable perr.ReportableError
	if errors.As(err, &reportable) {
		status = statusForKind(reportable.ErrorKind())
	}

	var userFacing perr.UserFacingError
	if errors.As(err, &userFacing) {
		detail = userFacing.ClientMessage()
	} else if status != http.StatusInternalServerError {
		detail = err.Error()
	}

	writeProblem(w, status, detail)
}

func statusForKind(kind perr.ErrorKind) int {
	switch kind {
	case perr.KindAuth:
		return http.StatusUnauthorized
	case perr.KindUser:
		return http.StatusBadRequest
	case perr.KindRateLimited:
		return http.StatusTooManyRequests
	case perr.KindPostgres:
		return http.StatusBadRequest
	case perr.KindService, perr.KindCompute:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	p := problems.NewDetailedProblem(status, detail)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
