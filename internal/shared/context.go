package shared

import (
	"context"

	"github.com/google/uuid"
)

// Actor is the acting principal supplied by the external identity provider.
// The core trusts a pre-authorized caller and performs no authorization
// checks of its own.
type Actor struct {
	ID   uuid.UUID
	Name string
}

type actorContextKey struct{}

// ContextWithActor stores the acting principal in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting principal from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
