/*
Package admin is the interactive server-admin monitor.

Access is gated by the same user table the data plane authenticates
against; the operator's password is read without echo. Commands are
two case-insensitive words followed by case-sensitive arguments:

	CREATE USER <username> <password>
	CREATE PERMISSION <label> <username>
	CREATE CREDENTIALS <label> <path-to-json>
	ROTATE CREDENTIALS <label>
	TEST CONNECTION <label>
	...

Arguments are split on whitespace; values containing spaces are
rejected with a usage error rather than silently misparsed. User,
permission, and credential create/delete commands are recorded in the
audit journal with the acting admin; rotations are recorded by the
rotator with their outcome and no actor.
*/
package admin
