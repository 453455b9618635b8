// Package retention defines the core data model and store contracts for
// the Themis retention enforcement engine.
//
// The engine finds records whose legally mandated retention period has
// elapsed, verifies no legal hold blocks disposal, destroys or archives
// them via a policy-selected method, and seals a cryptographically
// verifiable disposal certificate. Subpackages implement the moving
// parts:
//
//   - policy: retention policy evaluation (due-ness, method resolution)
//   - hold: authoritative legal hold checks
//   - archive: pre-disposal snapshots
//   - executor: the per-job disposal state machine
//   - certificate: certificate sealing, hashing, and verification
//   - audit: before/after audit entries and integrity checks
//   - detector: compliance violation detection
//   - scheduler: recurring triggers, tenant quotas, worker pool, retry
//   - source: the record source adapter contract and an in-memory adapter
//   - storage: sqlite and in-memory job/certificate/audit/lease stores
//   - report: run reports and the notification gateway
//
// Host-owned concerns (record data models, HTTP API, authentication, file
// storage backends, notification transport) are consumed only through the
// interfaces in this package.
package retention
