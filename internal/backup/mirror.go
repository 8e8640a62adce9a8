package backup

import "context"

// Mirror copies a finished snapshot to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, s *Snapshot) error
}
