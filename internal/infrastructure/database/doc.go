// Package database provides SQLite connectivity for Devicebay Core.
//
// It owns the connection (WAL mode, busy timeout, a single writer
// connection) and the schema migration machinery. Repositories in the
// domain packages build on the *DB it returns; they never open their
// own connections.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// All queries use parameterised statements, and the database file is
// created with 0600 permissions because it stores password hashes and
// device access keys.
//
// # Migration strategy
//
// Migrations are additive-only: new columns are nullable or carry
// defaults, and columns are never dropped or renamed. Each migration
// ships as an .up.sql/.down.sql pair embedded in the binary.
package database
