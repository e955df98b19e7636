// Package governance provides retry and backoff primitives for the
// pipeline's infrastructure dependencies, chiefly the generation source.
package governance
