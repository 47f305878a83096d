package apperr_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/apperr"
)

func TestHTTPStatus_Mapping(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindAccessDenied, http.StatusForbidden},
		{apperr.KindUnauthenticated, http.StatusUnauthorized},
		{apperr.KindVersionMismatch, http.StatusConflict},
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindTransientStore, http.StatusInternalServerError},
		{apperr.KindUnknown, http.StatusInternalServerError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, apperr.HTTPStatus(c.kind))
	}
}

func TestKindOf_UnwrapsWrappedError(t *testing.T) {
	base := apperr.NotFound("session missing")
	wrapped := errors.New("context: " + base.Error())
	require.Equal(t, apperr.KindUnknown, apperr.KindOf(wrapped), "a plain wrapped string is not an *Error")

	fmtWrapped := errorsJoin(base)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(fmtWrapped))
}

func errorsJoin(err error) error {
	return errors.Join(err)
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := apperr.Transient("write failed", cause)
	require.Contains(t, err.Error(), "disk full")
	require.ErrorIs(t, err, cause)
}
