// Package dataset serves SQL queries over a CSV file loaded into an in-memory
// SQLite database.
//
// Headers are normalized to lower-case identifiers (every character outside
// a-z and 0-9 becomes "_"). Every column is TEXT except one named "data",
// which is declared DATE and has DD-MM-YYYY values rewritten to YYYY-MM-DD so
// date comparisons sort correctly.
//
// The database is read-only once loaded. Reload builds a new database from
// the file and swaps it in; queries already running finish on the old one.
//
// Errors:
//
//   - ErrMalformedQuery: SQLite rejected the query text (SQLITE_ERROR). The
//     error message is the engine's own text and is safe to feed back into a
//     regeneration prompt.
//   - ErrEngine: any other engine failure. The *EngineError carries the
//     SQLite result code name.
package dataset
