package core

import (
	"context"
)

// ShutdownFunc is the signature for cleanup handlers run during graceful
// shutdown. The context carries the remaining shutdown budget; handlers must
// be idempotent.
type ShutdownFunc func(ctx context.Context) error
