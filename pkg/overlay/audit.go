package overlay

import (
	"github.com/shurlinet/agentmesh/internal/corelog"
)

// AuditLogger writes structured audit events for security-relevant
// decisions: connection gating, signature failures, and registry lookups
// made on behalf of an inbound peer. All methods are nil-safe: calling any
// method on a nil *AuditLogger is a no-op, so callers never need to guard
// every call site on whether audit logging is enabled.
type AuditLogger struct {
	log corelog.Logger
}

// NewAuditLogger creates an AuditLogger writing under a dedicated "audit"
// namespace on the given logger.
func NewAuditLogger(log corelog.Logger) *AuditLogger {
	return &AuditLogger{log: log.With("component", "audit")}
}

// ConnectionDecision logs an inbound connection gate verdict.
func (a *AuditLogger) ConnectionDecision(peerID, reason, result string) {
	if a == nil {
		return
	}
	a.log.Info("connection_decision", "peer", peerID, "reason", reason, "result", result)
}

// SignatureInvalid logs a message dropped for signature verification failure.
func (a *AuditLogger) SignatureInvalid(messageID, fromAgentID string) {
	if a == nil {
		return
	}
	a.log.Warn("signature_invalid", "message_id", messageID, "from", fromAgentID)
}

// APIAccess logs a local control-plane API call.
func (a *AuditLogger) APIAccess(operation string, ok bool) {
	if a == nil {
		return
	}
	a.log.Info("api_access", "operation", operation, "ok", ok)
}

// RegistryLookup logs a registry consultation made for connection gating.
func (a *AuditLogger) RegistryLookup(address string, registered, blocked bool) {
	if a == nil {
		return
	}
	a.log.Info("registry_lookup", "address", address, "registered", registered, "blocked", blocked)
}
