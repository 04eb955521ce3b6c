// Package store provides persistence for warren-gateway sessions and their
// event history.
//
// The Store interface abstracts the backend; SQLiteStore is the production
// implementation, using modernc.org/sqlite with WAL mode and schema creation
// on open.
package store
