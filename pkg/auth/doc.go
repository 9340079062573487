// Package auth implements principal authentication (bcrypt with
// timing-equalized failures) and per-credential authorization checks.
// Authentication failures and missing permissions are deliberately
// indistinguishable to callers outside the trust boundary.
package auth
