// Package runtime provides goroutine hygiene helpers (panic-safe goroutines)
// and the app launcher used by worker binaries.
package runtime
