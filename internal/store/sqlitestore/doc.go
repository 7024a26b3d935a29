// Package sqlitestore implements store.Store on an SQLite database using the
// pure-Go ncruces driver. Records are stored as JSON documents keyed by ID,
// with the status and timestamps lifted into columns for ordering.
package sqlitestore
