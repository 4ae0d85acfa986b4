// Package core implements the import and reconciliation engine.
//
// Entity files are JSON arrays of records named after the entity class
// (Fleet.json). Records refer to other entities by label, and the engine
// resolves those labels to row ids before writing through a [storage.Store].
// The package has no transport dependencies; the web handlers and the CLI
// both drive it through [Service].
//
// # Loading
//
// [Loader] loads one entity per call inside a single storage batch:
//
//  1. Records are prepared: reserved and computed fields are dropped,
//     media URLs are materialized and aggregate objects are flattened.
//  2. Label lookups for every referenced entity are built before the batch.
//     Self-referencing entities also get a lookup over the batch itself.
//  3. Each record is assessed. In standard mode (acceptQL = 0) a record with
//     an unresolved required reference or an empty required field is skipped.
//     In quality mode the accepted deficits are neutralized and recorded in
//     the ql and qd columns.
//  4. The row is written according to the [Mode]. Self-references that
//     pointed at rows of the same batch are fixed up afterwards.
//
// # Labels
//
// A [Lookup] maps labels to ids. Resolution tries exact keys, then keys
// with whitespace and case folded away, then a fuzzy segment match that
// must be unambiguous, then unique columns. "#N" addresses the Nth clean
// row.
//
// # Operations
//
// Mutating operations go through an [OperationLimiter] and are recorded in
// a [RunHistory]. Read-only ones (ValidateImport, CountSeedConflicts,
// GetStatus) bypass the limiter.
//
// # Error Handling
//
// Sentinel errors ([ErrUnknownEntity], [ErrSourceNotFound],
// [ErrInvalidSource], [ErrImportNotReady], [ErrOperationBusy]) are wrapped
// with context. [MapError] turns any error into a coded [UserMessage].
package core
