// Package memory provides a process-local implementation of the billing and
// workspace stores.
//
// It is used by the development server (TOLLGATE_STORAGE_TYPE=memory) and by
// tests. Workspace transactions are serialized with a per-workspace mutex and
// buffer their writes until fn returns without error. Counter updates are
// conditional and run under the store mutex, which gives the same atomicity
// contract as the PostgreSQL implementation within one process.
package memory
