// Package lock implements leases on top of a shared key-value store that has
// no locking primitive of its own.
//
// A lease is a key whose value identifies its holder and which the store
// expires after a TTL. Acquisition polls the key at a fixed interval chosen
// at random when the Manager is built, so that competing instances drift
// apart, and gives up after a bounded number of polls. Release only deletes
// the key while it still carries the caller's holder identity.
//
// Lease transitions can be published on a syncbus Bus for auditing; the bus
// plays no part in mutual exclusion.
package lock
