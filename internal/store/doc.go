// Package store archives finished session summaries in SQLite.
//
// The relay keeps live sessions in memory. When a session reaches a terminal
// status its summary is handed to an Archive, which appends it to the
// session_archive table. Rows are keyed by ULID so newest-first listing is an
// index scan on the primary key. Nothing reads the archive back into the
// in-memory session store; it exists for operators and the /api/archive route.
//
// SQLiteStore uses the pure-Go modernc.org/sqlite driver in WAL mode. Columns
// added after the first release are applied by runMigrations, which is safe to
// run on every start.
package store
