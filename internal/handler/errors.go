package handler

import (
	"errors"
	"net/http"

	"openbudget/internal/ledger"
	"openbudget/internal/runtime"
	"openbudget/pkg/util"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    uint32 `json:"code,omitempty"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// statusFor maps a ledger or host error to an HTTP status.
func statusFor(err error) int {
	if le, ok := ledger.AsError(err); ok {
		switch le {
		case ledger.ErrUnauthorizedAccess:
			return http.StatusForbidden
		case ledger.ErrInsufficientBudget, ledger.ErrMilestoneAlreadyReleased:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, ledger.ErrFieldTooLong):
		return http.StatusBadRequest
	case errors.Is(err, runtime.ErrAccountInUse), errors.Is(err, runtime.ErrConflict), errors.Is(err, util.ErrRequestInFlight):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorBody {
	if le, ok := ledger.AsError(err); ok {
		return ErrorBody{Code: le.Code, Name: le.Name, Message: le.Message}
	}
	if errors.Is(err, util.ErrRequestInFlight) {
		return ErrorBody{Name: "RequestInFlight", Message: err.Error()}
	}
	name := runtime.RejectionName(err)
	if name == "Internal" || name == "ArithmeticOverflow" {
		// internal detail stays in the logs
		return ErrorBody{Name: name, Message: "internal error"}
	}
	return ErrorBody{Name: name, Message: err.Error()}
}

func respondError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": errorBody(err)})
}

func badRequest(c *gin.Context, name, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrorBody{Name: name, Message: message}})
}
