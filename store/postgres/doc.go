// Package postgres implements store.Store on PostgreSQL using pgx/v5 with
// raw SQL. Every push and pop runs in a transaction holding the channel's
// row lock, so several brokers can share one database. Changes are
// announced with pg_notify and picked up by a LISTEN connection in every
// store instance. The schema ships as embedded SQL migrations.
package postgres
