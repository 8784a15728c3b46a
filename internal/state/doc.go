// Package state persists the bridge's first-time setup result.
//
// State is a single record, {isSetup, superadminToken}, rewritten wholesale
// on every save. Two backends implement Store:
//   - FileStore: a JSON file replaced atomically (temp file + rename)
//   - SQLiteStore: a single-row table in the bridge database
//
// A missing or unreadable record loads as the zero State so a corrupt file
// never blocks startup; setup simply runs again.
package state
