package models

import (
	"context"

	"github.com/google/uuid"
)

// EditSource represents the channel through which a mind-map mutation arrived.
type EditSource string

// Edit source constants. These represent HOW an operation was performed.
const (
	SourceREST   EditSource = "rest"   // Synchronous HTTP request
	SourceLive   EditSource = "live"   // Collaboration room WebSocket message
	SourceSystem EditSource = "system" // Server-initiated (bootstrap, sync)
)

// String returns the string representation of an EditSource.
func (s EditSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a known edit source.
func (s EditSource) IsValid() bool {
	switch s {
	case SourceREST, SourceLive, SourceSystem:
		return true
	default:
		return false
	}
}

// ProvenanceContext carries source and actor information through operations.
// This context is used to track WHO performed an action and HOW it was performed.
type ProvenanceContext struct {
	// Source indicates how the operation was performed (rest, live, system)
	Source EditSource

	// UserID is the UUID of the user who triggered the operation.
	UserID uuid.UUID

	// ConnectionID identifies the live connection that sent the operation.
	// Broadcasts skip it because the sender already applied the change.
	ConnectionID string
}

type provenanceKey struct{}

// WithProvenance returns a new context with provenance information attached.
func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance retrieves provenance information from the context.
// Returns the provenance context and true if present, otherwise a zero value and false.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

// WithRESTProvenance returns a context with REST provenance set.
// Use this for HTTP handlers.
func WithRESTProvenance(ctx context.Context, userID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceREST, UserID: userID})
}

// WithLiveProvenance returns a context with live-channel provenance set for
// the operation sent by connectionID.
func WithLiveProvenance(ctx context.Context, userID uuid.UUID, connectionID string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceLive, UserID: userID, ConnectionID: connectionID})
}

// WithSystemProvenance returns a context with system provenance set.
// The userID should be the user on whose behalf the server acted.
func WithSystemProvenance(ctx context.Context, userID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceSystem, UserID: userID})
}
