package policy

// Role is an agent's permission tier. It also determines how many
// conversations the agent may hold at once.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// DistributableRoles are the roles eligible to receive conversations.
var DistributableRoles = []Role{RoleAgent, RoleSupervisor, RoleAdmin}

const (
	agentCapacity      = 5
	supervisorCapacity = 8
	adminCapacity      = 10
)

// CapacityFor returns the maximum number of simultaneous active
// conversations for role. Unknown roles get the lowest tier.
func CapacityFor(role Role) int {
	switch role {
	case RoleSupervisor:
		return supervisorCapacity
	case RoleAdmin:
		return adminCapacity
	default:
		return agentCapacity
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}
