// Package dbmigrations exposes the embedded SQL schema for the call market.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the server binary.
//
//go:embed *.sql
var Files embed.FS
