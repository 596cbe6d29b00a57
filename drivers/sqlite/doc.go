// Package sqlite provides a single-file, dependency-free queue.Driver
// backed by modernc.org/sqlite through github.com/uptrace/bun. Claim
// atomicity is realized by the TransactionalClaimer strategy: a single
// `UPDATE ... WHERE id = (subselect) RETURNING *` statement when the
// connected engine supports it, falling back to an exclusive
// `BEGIN IMMEDIATE` transaction (plain SELECT, then UPDATE by id) when
// it does not.
//
// It is the natural choice for a single-process deployment or for
// local development against the same schema a production postgres
// deployment would use: call InitDB once against an open *bun.DB, then
// construct a Driver with New.
package sqlite
