// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the idempotent DDL for the coupon, usage_history and task tables.
//
//go:embed migrations/001_schema.sql
var Schema string
