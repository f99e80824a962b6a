/*
Package backup validates that backups actually restore.

Each cycle dumps the database, checks the artifact exists and is
non-empty, checksums it, and, when a shadow database is configured,
restores into the shadow and confirms the drift score there is clean.
A failed validation records a FAILED row and opens a P1: an untested
backup is treated as no backup.
*/
package backup
