// Package audit keeps an append-only journal of admin mutations and
// rotation outcomes in a local BoltDB file. Entries are keyed by a
// monotonic sequence number and never contain secret material. The
// journal is best effort by design: a write failure is logged, not
// propagated.
package audit
