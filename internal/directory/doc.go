// Package directory maps logical service names to message addresses.
//
// Writers take an exclusive, time-bounded lock over the whole store before a
// read-modify-write. Readers never lock: a missing or malformed store is
// treated as "not yet available" and Resolver retries a bounded number of
// times before giving up with ErrAddressNotFound.
package directory
