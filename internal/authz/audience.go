// SPDX-License-Identifier: MIT

package authz

import "strings"

// NormalizeAudience removes `.usr` and `.svc` segments from an audience.
// E.g. testing03.usr.example.com => testing03.example.com
func NormalizeAudience(audience string) string {
	audience = strings.ReplaceAll(audience, ".usr.", ".")
	audience = strings.ReplaceAll(audience, ".svc.", ".")
	audience = strings.TrimPrefix(audience, "usr.")
	audience = strings.TrimPrefix(audience, "svc.")
	return audience
}

// AudienceEstimator maps a concrete token audience onto the configured authz
// audience with the longest matching suffix of `.`-separated segments.
type AudienceEstimator struct {
	known []string
}

// NewAudienceEstimator collects the audiences that have authz backends.
func NewAudienceEstimator[V any](backends map[string]V) *AudienceEstimator {
	known := make([]string, 0, len(backends))
	for audience := range backends {
		known = append(known, audience)
	}
	return &AudienceEstimator{known: known}
}

// Estimate returns the best-matching configured audience, or "" when none of
// the configured audiences is a segment suffix of aud.
func (e *AudienceEstimator) Estimate(aud string) string {
	best := ""
	for _, candidate := range e.known {
		if aud != candidate && !strings.HasSuffix(aud, "."+candidate) {
			continue
		}
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	return best
}
