package models

// Role represents API client roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleDevice   Role = "device"
)

// Claims represents JWT claims
type Claims struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
	Exp     int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer, RoleDevice:
		return true
	default:
		return false
	}
}

// HasPermission checks if the role may perform a specific action
func (c *Claims) HasPermission(action string) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action != "manage_tokens"
	case RoleViewer:
		return action == "view_routes" || action == "view_buses" ||
			action == "view_telemetry" || action == "view_traffic" ||
			action == "view_predictions"
	case RoleDevice:
		return action == "ingest_gps"
	default:
		return false
	}
}
