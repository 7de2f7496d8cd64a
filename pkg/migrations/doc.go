// Package migrations generates SQL migration files for the stagecoord run store
// on PostgreSQL, MySQL/MariaDB, and SQLite.
package migrations
