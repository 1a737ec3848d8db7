// Package storage is the durable job store.
//
// Every mutation is a single committed statement or transaction, so a status
// transition is persisted before the call returns. Cross-runner coordination
// relies only on conditional updates evaluated by the database:
//   - claiming a job (UPDATE ... WHERE <eligible>)
//   - terminal marks guarded by the owning claim
//   - runner slot leases (upsert guarded by lease expiry)
package storage
