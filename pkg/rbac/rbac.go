package rbac

import "slices"

// 权限常量
const (
	// 账本写操作
	PermissionSubmitTransition = "ledger:submit"
	// 账本读操作
	PermissionReadLedger = "ledger:read"

	// 运维操作
	PermissionReplayOutbox = "outbox:replay"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionReadLedger,
		PermissionSubmitTransition,
	},
	RoleAdmin: {
		PermissionReadLedger,
		PermissionSubmitTransition,
		PermissionReplayOutbox,
	},
}

// NormalizeRole maps an empty role claim to RoleUser.
func NormalizeRole(role string) string {
	if role == "" {
		return RoleUser
	}
	return role
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	permissions, ok := rolePermissions[NormalizeRole(role)]
	if !ok {
		return false
	}
	return slices.Contains(permissions, permission)
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role string, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
