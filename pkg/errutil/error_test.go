package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("failed to save license", cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, "[internal] failed to save license: disk full", err.Error())
	require.Equal(t, StatusInternal, StatusOf(err))
}

func TestStatusOfWrapped(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("license not found", nil))
	require.True(t, IsStatus(err, StatusNotFound))
	require.Equal(t, http.StatusNotFound, StatusOf(err).HTTPStatus())
}

func TestStatusOfContextErrors(t *testing.T) {
	require.Equal(t, StatusClientClosedRequest, StatusOf(context.Canceled))
	require.Equal(t, StatusGatewayTimeout, StatusOf(fmt.Errorf("sweep: %w", context.DeadlineExceeded)))
	require.Equal(t, StatusInternal, StatusOf(errors.New("boom")))
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusUnprocessableEntity, StatusValidationFailed.HTTPStatus())
	require.Equal(t, http.StatusConflict, StatusConflict.HTTPStatus())
	require.Equal(t, http.StatusForbidden, StatusForbidden.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, CoreStatus("mystery").HTTPStatus())
}

func TestWithDetails(t *testing.T) {
	err := ValidationFailed("invalid request", nil, WithDetails(Detail{Field: "expires_at", Message: "must be after issued_at"}))

	var base BaseError
	require.True(t, errors.As(err, &base))
	require.Len(t, base.Details, 1)
	require.Equal(t, "expires_at", base.Details[0].Field)
}
