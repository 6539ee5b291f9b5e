// Package metrics provides interfaces and implementations for collecting
// mail server metrics. The Collector interface is shared by the IMAP and
// SMTP front ends so both record into the same registry.
package metrics

// Collector defines the interface for recording server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened(service string)
	ConnectionClosed(service string)
	TLSEstablished(service string)

	// Authentication metrics
	AuthAttempt(service string, success bool)

	// Command metrics
	CommandProcessed(command string)

	// Mail flow metrics
	MessageFetched(sizeBytes int64)
	MessageDelivered(folder string, sizeBytes int64)
}
