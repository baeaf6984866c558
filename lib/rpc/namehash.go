package rpc

import "golang.org/x/crypto/blake2b"

// hashLNSName derives the name_hash rpc.lns_resolve expects from a
// lowercased LNS name. This is the one cryptographic primitive this
// package needs directly (everything downstream of the hash — the
// decryption of the resolved record — is delegated to LNSOpener).
func hashLNSName(name string) [32]byte {
	return blake2b.Sum256([]byte(toLNSNameKey(name)))
}

func toLNSNameKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
