package events

import (
	"context"
	"errors"

	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
)

// Changes fans an asset change out to every recorder. All recorders are
// attempted; their errors are joined.
type Changes []registry.ChangeRecorder

func (c Changes) RecordAssetChange(ctx context.Context, change registry.AssetChange) error {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		if err := r.RecordAssetChange(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
