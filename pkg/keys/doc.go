/*
Package keys implements the data-key engine of the envelope scheme.

Every credential record is encrypted under its own data key; data keys
are wrapped by a long-lived master key that never leaves the HSM:

	┌───────────────┐   CKM_AES_CBC_PAD    ┌───────────────┐
	│  master key   │ ───────────────────► │ wrapped key   │
	│  (in HSM)     │ ◄─────────────────── │ (data_keys)   │
	└───────────────┘                      └───────────────┘

The Engine generates 32-byte keys and 16-byte IVs from the system
CSPRNG and delegates wrap/unwrap to a Backend. PKCS11Backend talks to
a real token through github.com/miekg/pkcs11: one session per call,
login with the configured PIN, master key located by CKA_LABEL and
CKO_SECRET_KEY, logout and session close on every exit path.
SoftBackend is the in-process stand-in used by tests.

Plaintext key material returned by Unwrap is owned by the caller and
must be zeroized as soon as the payload operation completes.
*/
package keys
