// Package core defines the domain model shared by the storage, coverage and API layers.
//
// # Domain Types
//
// The knowledge base is made of a small set of records:
//   - Technique and Tactic, imported from the MITRE ATT&CK enterprise bundle
//   - TacticLink, the many-to-many association between the two
//   - CorrelationRule, a detection rule attached to exactly one technique ID
//   - Comment and AuditEntry, the collaboration and accountability trail
//
// A technique whose ID contains a dot (T1059.001) is a sub-technique of the
// technique named by the prefix before the dot. The relationship lives in the ID
// string only; helpers in technique.go derive it.
//
// # Rule Workflow
//
// Correlation rules move through an engineering workflow (not_started through
// deployed). Allowed transitions and per-status requirements are defined in
// workflow.go and enforced before the storage layer persists a change.
package core
