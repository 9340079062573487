// Package metrics exposes Prometheus counters and histograms for
// request handling, authentication failures, rotations, and HSM
// operations, plus an optional /metrics HTTP listener. Metric labels
// never carry usernames, credential labels, or any secret-derived
// value.
package metrics
