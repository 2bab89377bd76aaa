package lifecycle

import "context"

// Service represents a lifecycle-managed component. The pipeline driver pool,
// the heartbeat loop, the cron sweep, the ingest HTTP server, and the metrics
// server all implement this interface so Manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata.
type DescriptorProvider interface {
	Descriptor() Descriptor
}
