// Package dialect provides the database driver abstraction used by lessql.
//
// It defines the Driver, Tx and ExecQuerier interfaces the data-access
// layer talks through, and the dialect name constants for the supported
// backends:
//
//	dialect.MySQL    = "mysql"
//	dialect.Postgres = "postgres"
//	dialect.SQLite   = "sqlite"
//
// The dialect/sql sub-package implements Driver on top of database/sql
// and ships Stats and Debug wrapper drivers for instrumentation.
package dialect
