// Package stores provides the durable enclave request store backed by
// SQLite, plus the in-process change-notification feed the dispatcher
// subscribes to. Every insert or field update on a request record emits a
// change event carrying the new record image.
package stores
