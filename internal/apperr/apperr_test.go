package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFound("node %s not found", "e001")
	wrapped := fmt.Errorf("loading sprint: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindValidation))
}

func TestUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Validation("bad"):                http.StatusBadRequest,
		NotFound("missing"):              http.StatusNotFound,
		Unauthorized("no token"):         http.StatusUnauthorized,
		Forbidden("agents cannot"):       http.StatusForbidden,
		Conflict("duplicate"):            http.StatusConflict,
		Unavailable(nil, "store down"):   http.StatusServiceUnavailable,
		Internal(nil, "bug"):             http.StatusInternalServerError,
		errors.New("plain"):              http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

// TooEarly is the one kind that is not an HTTP failure: the retry
// endpoint reports it as 200 with success:false.
func TestTooEarlyMapsToOK(t *testing.T) {
	err := TooEarly(20)
	assert.Equal(t, http.StatusOK, HTTPStatus(err))
	assert.Equal(t, "TOO_EARLY", Code(err))
	assert.Contains(t, err.Error(), "20 seconds")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable(cause, "graph store unreachable")
	assert.ErrorIs(t, err, cause)
}
