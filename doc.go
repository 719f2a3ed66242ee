// Package dok implements the zero-knowledge multi-key encryption and
// authorization core of the Doctor-Dok record server.
//
// Every tenant database is encrypted under a single master key that the
// server never stores in the clear. Each credential ("key share") wraps
// that master key under a holder-specific shared secret; the registry
// persists only salted hashes and wrapped material, so the server cannot
// decrypt tenant data on its own.
//
// Two authorization zones exist. The standard zone authenticates requests
// with short-lived JWT bearer tokens and performs no server-side
// decryption. The enclave zone is a time-boxed exception: a temporary key
// share plus a one-time-password-wrapped ephemeral secret lets the server
// unwrap the master key in memory for the duration of one request, after
// which all material is destroyed and the temporary share is deleted.
package dok
