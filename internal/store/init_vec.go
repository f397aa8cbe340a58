//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec with the mattn/go-sqlite3 driver so the
	// semantic_vectors recall path can use vec0 virtual tables instead of
	// the in-process cosine scan. Opt-in via -tags sqlite_vec.
	vec.Auto()
}
