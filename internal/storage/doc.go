// Package storage persists reminders, user preferences and the delivery log.
//
// Drivers:
//   - sqlite (default): modernc.org/sqlite, single writer connection
//   - file: in-memory state backed by a JSON-lines journal and a snapshot
//   - memory: the file driver without files
//
// Every mutation touches a single reminder; UpdateStatus is the
// compare-and-set the scheduler relies on to deliver each reminder once.
package storage
