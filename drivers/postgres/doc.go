// Package postgres implements queue.Driver over PostgreSQL via
// github.com/jackc/pgx/v5 and pgxpool. Claim atomicity is realized by
// the SkipLockClaimer strategy: a transaction issuing
// `SELECT ... FOR UPDATE SKIP LOCKED LIMIT 1`, ordered
// `priority DESC, created_at ASC`, followed by an `UPDATE` of the
// selected id and commit. This is the reference strategy for backends
// whose row-locking semantics support SKIP LOCKED, in contrast with
// drivers/sqlite's exclusive-transaction TransactionalClaimer.
//
// Schema is managed by github.com/pressly/goose/v3 against the
// embedded migrations/ directory; Connect runs migrations with a
// temporary database/sql handle (goose's requirement) before handing
// back a pgxpool.Pool for runtime queries.
package postgres
