// Package storage selects the artifact storage provider.
package storage

import (
	"context"

	"storybook/internal/ports"
)

// Provider is the storage contract used by the API and the worker.
type Provider = ports.StorageProvider

// Ping checks p when it supports health checks and succeeds otherwise.
func Ping(ctx context.Context, p Provider) error {
	if hc, ok := p.(ports.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}
