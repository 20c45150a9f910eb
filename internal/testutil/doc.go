// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing conversation items, sessions and event
// expectations. They are not intended for production usage.
package testutil
