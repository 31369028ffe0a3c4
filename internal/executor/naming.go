package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/indexpilot/indexpilot/internal/domain"
)

const maxIndexNameLen = 63 // Postgres identifier limit

// IndexName derives the deterministic name for a candidate:
//
//	ix_<table>_<col1>_<col2>[_p<hash>][_<method>]
//
// Partial indexes carry a short predicate hash so two predicates over the
// same columns never collide. Names over the identifier limit are truncated
// and suffixed with a hash of the full form, and taken names get the same
// treatment, so the result is always unique against the live set.
func IndexName(cand domain.IndexCandidate, taken map[string]bool) string {
	parts := []string{"ix", cand.Table}
	parts = append(parts, cand.Columns...)
	if cand.Predicate != "" {
		parts = append(parts, "p"+shortHash(cand.Predicate))
	}
	if cand.Method != domain.MethodOrdered && cand.Method != "" {
		parts = append(parts, string(cand.Method))
	}
	name := strings.Join(parts, "_")

	if len(name) > maxIndexNameLen || taken[name] {
		h := shortHash(name)
		keep := maxIndexNameLen - len(h) - 1
		if keep > len(name) {
			keep = len(name)
		}
		name = name[:keep] + "_" + h
	}
	// A hash-suffixed name can still collide with an unrelated live index;
	// extend the hash until it is free.
	for taken[name] {
		h := shortHash(name)
		keep := maxIndexNameLen - len(h) - 1
		if keep > len(name) {
			keep = len(name)
		}
		name = name[:keep] + "_" + h
	}
	return name
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}
