/*
Package credentials ties the store, key engine, and cipher engine into
the envelope-encryption pipeline:

	create:  generate data key → encrypt payload → wrap key → store both
	fetch:   load both rows → unwrap key → decrypt payload

The credential row and its data-key row are one-to-one; paired writes
go through single store transactions, and a missing half surfaces as
store.ErrIntegrity rather than being synthesized.
*/
package credentials
