package shared

import "context"

// Role identifies the kind of actor behind a request.
type Role string

const (
	RoleStaff  Role = "staff"
	RoleParent Role = "parent"
)

// Actor is the authenticated principal threaded through every engine call.
// Tenant resolution and authentication happen upstream; the engine only
// trusts what it is handed here.
type Actor struct {
	UserID   int64
	StudioID int64
	FamilyID int64 // set for parents, zero for staff
	Role     Role
}

// IsStaff reports whether the actor may perform destructive transitions.
func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The zero Actor is
// returned when none is present.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
