/*
Package rotator changes live database passwords and atomically
re-encrypts the stored credential.

The pipeline is a straight line with three failure exits:

	S0 start
	S1 password chosen (supplied or generated, ≥12 chars)
	S2 remote set      — old credential logs in, sets the new password
	S3 remote verified — new password must log in on a fresh connection
	S4 local committed — new data key + ciphertext in one transaction
	S5 done

Failures before S2 or at S2 leave both sides unchanged. A failure at
S3 is an unsafe window: the remote password may have changed while
the store still holds the old one. That case logs a
ROTATION_UNVERIFIED alert, records the outcome, and leaves local
state untouched; resolving it is a manual operation by design of the
trust model (automatic roll-forward is excluded). A failure at S4
likewise leaves the remote on the new password and the store on the
old one; it is reported as a failed rotation at stage local_committed,
without the ROTATION_UNVERIFIED alert.

Target databases sit behind the TargetDB interface; MySQLTarget is
the MySQL/MariaDB implementation using SET PASSWORD.
*/
package rotator
