/*
Package storage is the PostgreSQL persistence layer.

One Postgres struct carries every query the platform needs; consumers
declare narrow interfaces over the subset they use. Connections go
through pgx via sqlx, migrations through goose (embedded SQL files
under migrations/).

The audit chain queries deserve a note: AppendAuditEntry reads the
current head and inserts the new link inside one transaction, so the
chain stays consistent under concurrent writers.
*/
package storage
