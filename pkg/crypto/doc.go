/*
Package crypto implements the credential cipher engine and password
hashing.

Credential payloads are serialized to canonical JSON and encrypted
under a per-record data key. Records on disk are versioned by a
leading marker byte:

	0x02  AES-256-GCM, 12-byte nonce stored in the cr_iv column
	0x01  AES-CBC with PKCS#7 padding, cr_iv is the CBC IV
	none  pre-versioning CBC record (same layout as 0x01)

All new records are written as GCM; the CBC paths exist so stores
written by earlier releases keep decrypting. Data-key wrapping under
the HSM master key lives in pkg/keys, not here.

User passwords are hashed with bcrypt; comparison is constant time.
*/
package crypto
