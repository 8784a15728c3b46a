// Package database provides the SQLite connection behind the bridge's
// optional SQLite state backend.
//
// This package manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Applying versioned schema migrations from an fs.FS
//   - Health checks used by the readiness endpoint
//
// Security Considerations:
//   - The database holds the superadmin token; the file is chmod 0600
//   - All queries use parameterised statements
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "/data/bridge.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive; each runs in its own
// transaction.
package database
