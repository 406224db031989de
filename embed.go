package scribeengine

import _ "embed"

// SchemaSQL is the database schema applied on first start.
//
//go:embed schema.sql
var SchemaSQL []byte
