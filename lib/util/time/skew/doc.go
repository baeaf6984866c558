// Package skew provides clock skew validation for router-contact timestamps.
//
// A RouterContact carries a signed expiration timestamp; a node whose clock
// has drifted too far from the network risks accepting an already-expired
// RC or rejecting a fresh one. This package centralizes the tolerance check
// used by check_rc (spec.md §4.4) against the local, NTP-corrected clock.
//
// Usage:
//
//	if err := skew.ValidateTimestampWithSkew(c.ExpiresAt(), maxSkew); err != nil {
//	    // reject the RC
//	}
package skew
