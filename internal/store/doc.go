// Package store defines interfaces for persistence dependencies: campaign
// progress, the abandon ledger, and the record row shape. Implementations
// live under internal/storage; this package must not import database drivers
// or concrete clients.
package store
