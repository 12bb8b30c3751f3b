package rbac

import (
	"context"
	"fmt"
	"sort"
)

// Resolver answers authority questions over the active roles, keyed by level.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver reading from store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) role(ctx context.Context, name string) (Role, error) {
	role, err := r.store.FindRoleByName(ctx, name)
	if err != nil {
		return Role{}, fmt.Errorf("resolve role %q: %w", name, err)
	}
	return role, nil
}

func (r *Resolver) filterActive(ctx context.Context, keep func(Role) bool) ([]Role, error) {
	roles, err := r.store.ListActiveRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(roles))
	for _, role := range roles {
		if keep(role) {
			out = append(out, role)
		}
	}
	sortRoles(out)
	return out, nil
}

// RolesAbove lists active roles with strictly more authority than name.
func (r *Resolver) RolesAbove(ctx context.Context, name string) ([]Role, error) {
	target, err := r.role(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.filterActive(ctx, func(role Role) bool { return role.Level < target.Level })
}

// RolesBelow lists active roles with strictly less authority than name.
func (r *Resolver) RolesBelow(ctx context.Context, name string) ([]Role, error) {
	target, err := r.role(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.filterActive(ctx, func(role Role) bool { return role.Level > target.Level })
}

// SubordinateRoles lists active roles exactly one level below name.
func (r *Resolver) SubordinateRoles(ctx context.Context, name string) ([]Role, error) {
	target, err := r.role(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.filterActive(ctx, func(role Role) bool { return role.Level == target.Level+1 })
}

// SuperiorRoles lists active roles exactly one level above name.
func (r *Resolver) SuperiorRoles(ctx context.Context, name string) ([]Role, error) {
	target, err := r.role(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.filterActive(ctx, func(role Role) bool { return role.Level == target.Level-1 })
}

// RolesAtLevel lists active roles whose level equals level.
func (r *Resolver) RolesAtLevel(ctx context.Context, level int) ([]Role, error) {
	return r.filterActive(ctx, func(role Role) bool { return role.Level == level })
}

// RolesInLevelRange lists active roles with minLevel <= level <= maxLevel.
func (r *Resolver) RolesInLevelRange(ctx context.Context, minLevel, maxLevel int) ([]Role, error) {
	if minLevel > maxLevel {
		return nil, validationErr("level range %d..%d is empty", minLevel, maxLevel)
	}
	return r.filterActive(ctx, func(role Role) bool { return role.Level >= minLevel && role.Level <= maxLevel })
}

// CanManage reports whether source carries strictly more authority than target.
func CanManage(source, target Role) bool {
	return source.Level < target.Level
}

// CanManageRoles is CanManage over role names.
func (r *Resolver) CanManageRoles(ctx context.Context, source, target string) (bool, error) {
	src, err := r.role(ctx, source)
	if err != nil {
		return false, err
	}
	dst, err := r.role(ctx, target)
	if err != nil {
		return false, err
	}
	return CanManage(src, dst), nil
}

// Relationship describes source relative to target.
func (r *Resolver) Relationship(ctx context.Context, source, target string) (Relationship, error) {
	src, err := r.role(ctx, source)
	if err != nil {
		return Relationship{}, err
	}
	dst, err := r.role(ctx, target)
	if err != nil {
		return Relationship{}, err
	}
	return relationshipOf(src, dst), nil
}

func relationshipOf(src, dst Role) Relationship {
	diff := src.Level - dst.Level
	rel := Relationship{
		SourceRole:      src.Name,
		TargetRole:      dst.Name,
		LevelDifference: diff,
		CanManage:       CanManage(src, dst),
	}
	switch {
	case diff < 0:
		rel.Kind = RelationSuperior
	case diff > 0:
		rel.Kind = RelationSubordinate
	default:
		rel.Kind = RelationEqual
	}
	return rel
}

// HierarchyTree builds the forest of active roles rooted at the smallest level.
// Each node's children are the roles exactly one level below it, so a gap in
// levels ends a branch.
func (r *Resolver) HierarchyTree(ctx context.Context) ([]*HierarchyNode, error) {
	roles, err := r.store.ListActiveRoles(ctx)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return []*HierarchyNode{}, nil
	}
	sortRoles(roles)

	byLevel := make(map[int][]Role)
	for _, role := range roles {
		byLevel[role.Level] = append(byLevel[role.Level], role)
	}

	perms := make(map[string][]string, len(roles))
	for _, role := range roles {
		names, err := r.store.AssignedPermissionNames(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		perms[role.ID.String()] = names
	}

	var build func(role Role) *HierarchyNode
	build = func(role Role) *HierarchyNode {
		node := &HierarchyNode{
			Role:        role,
			Level:       role.Level,
			Permissions: perms[role.ID.String()],
			Children:    []*HierarchyNode{},
		}
		for _, child := range byLevel[role.Level+1] {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	top := byLevel[roles[0].Level]
	forest := make([]*HierarchyNode, 0, len(top))
	for _, role := range top {
		forest = append(forest, build(role))
	}
	return forest, nil
}

// EffectivePermissionsForCheck lists every permission the role holds for access
// decisions: those assigned to it or to any active role of equal or lower authority.
func (r *Resolver) EffectivePermissionsForCheck(ctx context.Context, name string) ([]string, error) {
	role, err := r.role(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.checkPermissions(ctx, role)
}

func (r *Resolver) checkPermissions(ctx context.Context, role Role) ([]string, error) {
	if !role.IsActive {
		return []string{}, nil
	}
	names, err := r.store.PermissionNamesFromLevel(ctx, role.Level)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// EffectivePermissionsForDisplay lists the role's direct permissions plus those
// of every active superior role. Reporting only: access decisions use
// EffectivePermissionsForCheck, which inherits in the opposite direction.
func (r *Resolver) EffectivePermissionsForDisplay(ctx context.Context, name string) ([]string, error) {
	role, err := r.role(ctx, name)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	direct, err := r.store.DirectPermissionsOfRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	for _, perm := range direct {
		set[perm.Name] = struct{}{}
	}
	superiors, err := r.filterActive(ctx, func(other Role) bool { return other.Level < role.Level })
	if err != nil {
		return nil, err
	}
	for _, superior := range superiors {
		perms, err := r.store.DirectPermissionsOfRole(ctx, superior.ID)
		if err != nil {
			return nil, err
		}
		for _, perm := range perms {
			set[perm.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
