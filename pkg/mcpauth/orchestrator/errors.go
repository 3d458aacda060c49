package orchestrator

import (
	"net/http"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

var ErrRegistry = errx.NewRegistry("ORCH")

var (
	CodeUnauthorized   = ErrRegistry.Register("UNAUTHORIZED", errx.TypeAuthorization, http.StatusUnauthorized, "Authentication required")
	CodeInvalidRequest = ErrRegistry.Register("INVALID_REQUEST", errx.TypeValidation, http.StatusBadRequest, "Malformed request")
	CodeForbidden      = ErrRegistry.Register("FORBIDDEN", errx.TypeAuthorization, http.StatusForbidden, "Not permitted")
)

func ErrUnauthorized() *errx.Error { return ErrRegistry.New(CodeUnauthorized) }
func ErrInvalidRequest() *errx.Error { return ErrRegistry.New(CodeInvalidRequest) }
func ErrForbidden() *errx.Error { return ErrRegistry.New(CodeForbidden) }
