package rbac

import (
	"time"

	"github.com/google/uuid"
)

// Authority levels accepted for roles. A smaller level carries more authority.
const (
	MinLevel = 1
	MaxLevel = 10
)

// Role represents a named authority rank.
type Role struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Level       int       `json:"level"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability, conventionally named resource:action.
type Permission struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RolePermission ties a permission to a role.
type RolePermission struct {
	RoleID              uuid.UUID  `json:"role_id"`
	PermissionID        uuid.UUID  `json:"permission_id"`
	InheritedFromRoleID *uuid.UUID `json:"inherited_from_role_id,omitempty"`
	IsDenied            bool       `json:"is_denied"`
	CreatedAt           time.Time  `json:"created_at"`
}

// IsDirect reports whether the assignment was made on the role itself.
func (rp RolePermission) IsDirect() bool {
	return rp.InheritedFromRoleID == nil
}

// Scope narrows an override to a single resource instance. The zero value is unscoped.
type Scope struct {
	Type string `json:"type,omitempty" validate:"max=20"`
	ID   string `json:"id,omitempty" validate:"max=255"`
}

// IsZero reports whether the scope is empty.
func (s Scope) IsZero() bool {
	return s.Type == "" && s.ID == ""
}

func (s Scope) String() string {
	if s.IsZero() {
		return ""
	}
	return s.Type + ":" + s.ID
}

// Override is a per-user grant or denial layered on top of the role.
type Override struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"user_id"`
	PermissionID   uuid.UUID  `json:"permission_id"`
	PermissionName string     `json:"permission"`
	IsGranted      bool       `json:"is_granted"`
	Scope          Scope      `json:"scope"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedBy      string     `json:"created_by"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ExpiredAt reports whether the override is no longer in effect at now.
func (o Override) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// RelationKind classifies how two roles relate in the hierarchy.
type RelationKind string

const (
	RelationSuperior    RelationKind = "superior"
	RelationSubordinate RelationKind = "subordinate"
	RelationEqual       RelationKind = "equal"
)

// Relationship describes source relative to target.
type Relationship struct {
	SourceRole      string       `json:"source_role"`
	TargetRole      string       `json:"target_role"`
	LevelDifference int          `json:"level_difference"`
	Kind            RelationKind `json:"relationship"`
	CanManage       bool         `json:"can_manage"`
}

// HierarchyNode is one role in the hierarchy forest.
type HierarchyNode struct {
	Role        Role             `json:"role"`
	Level       int              `json:"level"`
	Permissions []string         `json:"permissions"`
	Children    []*HierarchyNode `json:"children"`
}

// DecisionSource names the step that resolved an authorization decision.
type DecisionSource string

const (
	SourceBypass        DecisionSource = "bypass"
	SourceCache         DecisionSource = "cache"
	SourceDenyOverride  DecisionSource = "deny_override"
	SourceGrantOverride DecisionSource = "grant_override"
	SourceRole          DecisionSource = "role"
	SourceNoPermission  DecisionSource = "no_permission"
)

// Decision is an authorization answer together with its justification.
type Decision struct {
	Granted bool           `json:"granted"`
	Source  DecisionSource `json:"source"`
	Reason  string         `json:"reason"`
}

// CacheStats reports decision cache occupancy.
type CacheStats struct {
	Users   int `json:"users"`
	Entries int `json:"entries"`
}

// StoreCounts aggregates record counts from the store.
type StoreCounts struct {
	TotalRoles          int64
	ActiveRoles         int64
	SystemRoles         int64
	TotalPermissions    int64
	ActivePermissions   int64
	RolePermissionLinks int64
	TotalOverrides      int64
	ActiveOverrides     int64
}

// Statistics summarises the authorization data set.
type Statistics struct {
	TotalRoles          int64      `json:"total_roles"`
	ActiveRoles         int64      `json:"active_roles"`
	SystemRoles         int64      `json:"system_roles"`
	CustomRoles         int64      `json:"custom_roles"`
	TotalPermissions    int64      `json:"total_permissions"`
	ActivePermissions   int64      `json:"active_permissions"`
	RolePermissionLinks int64      `json:"role_permission_links"`
	TotalOverrides      int64      `json:"total_overrides"`
	ActiveOverrides     int64      `json:"active_overrides"`
	ExpiredOverrides    int64      `json:"expired_overrides"`
	Cache               CacheStats `json:"cache"`
}

// UserPermissions is the effective permission set of one user.
type UserPermissions struct {
	UserID      string     `json:"user_id"`
	Role        string     `json:"role"`
	Permissions []string   `json:"permissions"`
	Overrides   []Override `json:"overrides,omitempty"`
}
