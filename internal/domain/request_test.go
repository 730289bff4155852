package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	pending := &PermissionRequest{Status: RequestPending}
	assert.NoError(t, pending.CanTransitionTo(RequestApproved))
	assert.NoError(t, pending.CanTransitionTo(RequestDenied))
	assert.NoError(t, pending.CanTransitionTo(RequestExpired))
	assert.ErrorIs(t, pending.CanTransitionTo(RequestUsed), ErrInvalidTransition)
	assert.ErrorIs(t, pending.CanTransitionTo(RequestPending), ErrInvalidTransition)

	approved := &PermissionRequest{Status: RequestApproved}
	assert.NoError(t, approved.CanTransitionTo(RequestUsed))
	assert.ErrorIs(t, approved.CanTransitionTo(RequestDenied), ErrAlreadyDecided)

	// Терминальные статусы не меняются
	for _, s := range []RequestStatus{RequestDenied, RequestExpired, RequestUsed} {
		r := &PermissionRequest{Status: s}
		assert.ErrorIs(t, r.CanTransitionTo(RequestApproved), ErrAlreadyDecided)
	}
}
