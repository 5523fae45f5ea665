// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// ActorKind tells who initiated a unit of work.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorOperator ActorKind = "operator"
	ActorIngest   ActorKind = "ingest"
)

// Actor identifies the initiator recorded on every revision.
type Actor struct {
	ID   string
	Kind ActorKind
}

type actorContextKey struct{}

// WithActor adds Actor to context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns Actor from context.
func GetActor(ctx context.Context) *Actor {
	if v, ok := ctx.Value(actorContextKey{}).(*Actor); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context, falling back to "system".
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil && a.ID != "" {
		return a.ID
	}
	return string(ActorSystem)
}

// SystemActor is used by event handlers that run without a human initiator.
func SystemActor(component string) *Actor {
	return &Actor{ID: "system:" + component, Kind: ActorSystem}
}
