// Package params implements the persisted key-value status store shared with
// other on-device processes.
//
// Store is the narrow get/put/delete contract the daemon depends on. FileStore
// keeps one file per key and replaces values atomically, SQLiteStore keeps all
// keys in one database, and MemoryStore is an in-process double for tests.
package params
