package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(service string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(service string) {}

// TLSEstablished is a no-op.
func (n *NoopCollector) TLSEstablished(service string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(service string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(command string) {}

// MessageFetched is a no-op.
func (n *NoopCollector) MessageFetched(sizeBytes int64) {}

// MessageDelivered is a no-op.
func (n *NoopCollector) MessageDelivered(folder string, sizeBytes int64) {}
