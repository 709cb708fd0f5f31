package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatbridge/internal/admission"
	"chatbridge/internal/credential"
	"chatbridge/internal/provider"
	"chatbridge/internal/router"
	"chatbridge/internal/translator"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeConfiguration  = "configuration_required"
	errTypeAuthPending    = "authentication_pending"
	errTypeUpstream       = "upstream_unavailable"
	errTypeServer         = "server_error"
	errTypeNotFound       = "not_found_error"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Param   string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

// StatusCode lets the metrics middleware label failed requests.
func (e requestError) StatusCode() int {
	return e.Status
}

// toRequestError classifies err for the client. Backend error details never
// pass through beyond the error message of the gateway's own types.
func toRequestError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var validationErr *translator.ValidationError
	if errors.As(err, &validationErr) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: validationErr.Message,
			Type:    errTypeInvalidRequest,
			Param:   validationErr.Param,
		}
	}

	if errors.Is(err, provider.ErrUnknownModel) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    errTypeInvalidRequest,
			Param:   "model",
			Code:    "model_not_found",
		}
	}
	if errors.Is(err, router.ErrToolsNotSupported) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    errTypeInvalidRequest,
			Param:   "tools",
		}
	}

	var cfgErr *credential.ConfigurationRequiredError
	if errors.As(err, &cfgErr) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: cfgErr.Error(),
			Type:    errTypeConfiguration,
			Code:    errTypeConfiguration,
		}
	}
	if errors.Is(err, credential.ErrAuthPending) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    errTypeAuthPending,
			Code:    errTypeAuthPending,
		}
	}

	var upErr *admission.UpstreamError
	if errors.As(err, &upErr) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: upErr.Error(),
			Type:    errTypeUpstream,
			Code:    errTypeUpstream,
		}
	}
	if errors.Is(err, admission.ErrUpstreamUnavailable) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream unavailable",
			Type:    errTypeUpstream,
			Code:    errTypeUpstream,
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    errTypeServer,
	}
}

// dialectErrorHandler renders errors in the envelope of the requesting
// dialect: /v1/messages gets the messages envelope, everything else the chat
// completions one.
func dialectErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	reqErr := classifyHandlerError(err)
	if reqErr.Status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", c.Request().URL.Path,
			"status", reqErr.Status,
			"type", reqErr.Type,
			"error", err,
		)
	}

	var body any
	if isMessagesPath(c.Request().URL.Path) {
		body = translator.NewClaudeError(reqErr.Type, reqErr.Message)
	} else {
		body = translator.NewChatError(reqErr.Message, reqErr.Type, reqErr.Param, reqErr.Code)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(reqErr.Status)
		return
	}
	_ = c.JSON(reqErr.Status, body)
}

func classifyHandlerError(err error) requestError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		errType := errTypeInvalidRequest
		switch {
		case he.Code == http.StatusNotFound:
			errType = errTypeNotFound
		case he.Code >= http.StatusInternalServerError:
			errType = errTypeServer
		}
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return requestError{Status: he.Code, Message: msg, Type: errType}
	}
	return toRequestError(err)
}
