// Package topics holds the Kafka topic names shared between the engine and
// its consumers (admin action log, notification fan-out).
package topics

const (
	// AuditLog receives one event per successful state-mutating command.
	AuditLog = "market.audit-log"
)
