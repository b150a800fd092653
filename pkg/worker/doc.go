// Package worker schedules per-user lifecycle operations on a bounded pool.
// Operations block only on remote calls and fixed delays, so the bound is
// set well above the expected number of concurrent users.
package worker
