package service

import "context"

// Actor identifies who performed a mutation, for audit entries.
type Actor struct {
	TenantID string
	APIKeyID string
}

type actorContextKey struct{}

// ContextWithActor returns a copy of ctx carrying actor.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor stored by [ContextWithActor].
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
