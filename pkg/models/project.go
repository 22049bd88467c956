// Package models contains domain types for caseboard-engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is a case whose mind map is edited collaboratively.
// Project rows are provisioned by the membership layer; the mind-map core only
// reads the name (root text on bootstrap) and the creator (membership rules).
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatorID uuid.UUID `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
