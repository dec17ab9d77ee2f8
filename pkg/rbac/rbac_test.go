package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role       string
		permission string
		want       bool
	}{
		{RoleUser, PermissionSubmitTransition, true},
		{RoleUser, PermissionReplayOutbox, false},
		{"", PermissionReadLedger, true},
		{RoleAdmin, PermissionReplayOutbox, true},
		{"auditor", PermissionReadLedger, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPermission(tt.role, tt.permission), "%s/%s", tt.role, tt.permission)
	}
}

func TestCheckPermission(t *testing.T) {
	err := CheckPermission(RoleUser, PermissionReplayOutbox)
	var denied *PermissionDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, PermissionReplayOutbox, denied.Permission)

	assert.NoError(t, CheckPermission(RoleAdmin, PermissionReplayOutbox))
}
