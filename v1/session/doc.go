// Package session serializes access to session payloads across processes.
//
// A Handler is bound to one session id for the lifetime of a request. The
// first Read or Write takes the session lease through a lock.Manager; Close
// gives it back. Reads refuse to touch the payload without the lease, writes
// degrade to a skipped write.
package session
