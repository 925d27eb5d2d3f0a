// Package store defines the run history read model served by the status API.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
