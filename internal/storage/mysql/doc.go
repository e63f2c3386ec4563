// Package mysql persists escrow legs and the factory registry in MySQL.
// Schema changes ship as embedded migrations under deploy/migrations and are
// applied by Open.
package mysql
