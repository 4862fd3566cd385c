package buildsvc

import (
	"errors"
	"net/http"
)

// Envelope is the uniform response format of the interactive operations.
// Raw transport or library errors never leak through it, every error is
// translated to one of the fixed payload codes.
type Envelope struct {
	Status  string  `json:"status"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

const (
	CodeSnapFound       = "snap-found"
	CodeSnapCreated     = "snap-created"
	CodeSnapAuthorized  = "snap-authorized"
	CodeSnapBuildsFound = "snap-builds-found"

	CodeSnapNotFound  = "snap-not-found"
	CodeUpstreamError = "lp-error"
	CodeAuthFailed    = "github-authentication-failed"
	CodeNoAdminPerm   = "no-admin-permission"
	CodeInternalError = "internal-error"
)

func Success(code, message string) Envelope {
	return Envelope{
		Status:  statusSuccess,
		Payload: Payload{Code: code, Message: message},
	}
}

// TranslateError converts any error of an adapter operation into the HTTP
// status and error envelope that is safe to surface to a caller.
func TranslateError(err error) (int, Envelope) {
	if errors.Is(err, ErrSnapNotFound) {
		return http.StatusNotFound, Envelope{
			Status: statusError,
			Payload: Payload{
				Code:    CodeSnapNotFound,
				Message: "Cannot find existing snap based on this URL",
			},
		}
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		status := upstreamErr.Status
		if status < 400 || status > 599 {
			status = http.StatusInternalServerError
		}

		return status, Envelope{
			Status: statusError,
			Payload: Payload{
				Code:    CodeUpstreamError,
				Message: upstreamErr.Message,
			},
		}
	}

	return http.StatusInternalServerError, Envelope{
		Status: statusError,
		Payload: Payload{
			Code:    CodeInternalError,
			Message: err.Error(),
		},
	}
}
