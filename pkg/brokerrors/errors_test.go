package brokerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsByKind(t *testing.T) {
	err := Wrap(QuotaExhausted, "filestore.Get", "remaining_downloads is zero", nil)

	assert.True(t, errors.Is(err, ErrQuotaExhausted))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := New(WorkspaceProjectionFailed, "workspace.Project", cause)

	assert.Equal(t, WorkspaceProjectionFailed, KindOf(err))
	assert.Equal(t, Internal, KindOf(cause))
	assert.ErrorIs(t, err, ErrWorkspaceProjectionFailed)
}

func TestUnwrapCarriesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := New(Unavailable, "orchestrator.CreateWorker", cause)

	assert.Same(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "socket closed")
}
