// Package stores records package operations in SQLite: one row per
// operation with its outcome, the packages it touched and the final
// progress steps.
package stores
