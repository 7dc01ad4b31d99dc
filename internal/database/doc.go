// Package database opens the PostgreSQL pool used by the event journal and
// applies its embedded schema migrations.
package database
