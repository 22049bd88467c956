// Package storage holds the bytes behind node images and attachments.
// Nodes own only the Asset reference; the store owns the object.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/config"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// ErrDisabled is returned by Store when no attachment backend is configured.
var ErrDisabled = errors.New("attachment storage is not configured")

// AttachmentStore stores and deletes attachment objects.
type AttachmentStore interface {
	// Store uploads body and returns the reference to put on a node.
	Store(ctx context.Context, projectID uuid.UUID, name, contentType string, size int64, body io.Reader) (*models.Asset, error)
	// Delete removes the object behind asset. References without a key point
	// at external URLs and are left alone.
	Delete(ctx context.Context, asset *models.Asset) error
}

// New builds the store selected by cfg.Provider.
func New(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (AttachmentStore, error) {
	if cfg.Provider != "s3" {
		logger.Info("Attachment storage disabled")
		return NoopStore{}, nil
	}
	return NewS3Store(ctx, cfg, logger)
}

// NoopStore is used when storage.provider is "none".
type NoopStore struct{}

// Store implements AttachmentStore.
func (NoopStore) Store(context.Context, uuid.UUID, string, string, int64, io.Reader) (*models.Asset, error) {
	return nil, ErrDisabled
}

// Delete implements AttachmentStore.
func (NoopStore) Delete(context.Context, *models.Asset) error {
	return nil
}

var _ AttachmentStore = NoopStore{}
