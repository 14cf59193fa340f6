// Package negotiate computes protocol compatibility across sessions: which
// protocols a set of sessions can speak to each other, at which version,
// and what to change when they cannot. Results are deterministic: protocol
// names sort ascending, versions descending, so identical inputs always
// produce identical output.
package negotiate

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Negotiator is stateless; it exists so the tool façade has something to
// hold alongside the other components.
type Negotiator struct{}

// New returns a Negotiator.
func New() *Negotiator { return &Negotiator{} }

// Negotiate computes the N-way compatibility result for two or more
// sessions. required names exact (protocol, version) pairs every
// participant must hold; a participant lacking one fails the negotiation
// immediately, before the general intersection runs.
func (n *Negotiator) Negotiate(sessions []models.Session, required []models.ProtocolRequirement) (*models.NegotiationResult, error) {
	if len(sessions) < 2 {
		return nil, errs.E(errs.KindValidation, "negotiation needs at least two sessions, got %d", len(sessions))
	}

	result := &models.NegotiationResult{
		Compatible:         true,
		SupportedProtocols: map[string]string{},
		CommonFeatures:     commonFeatures(sessions),
		MissingFeatures:    missingFeatures(sessions),
	}

	if inc := checkRequired(sessions, required); inc != nil {
		result.Compatible = false
		result.Incompatibilities = []models.Incompatibility{*inc}
		result.Suggestion = inc.Suggestion
		return result, nil
	}

	for _, name := range candidateProtocols(sessions) {
		common := versionIntersection(sessions, name)
		if len(common) > 0 {
			result.SupportedProtocols[name] = maxVersion(common)
			continue
		}
		inc := models.Incompatibility{
			Protocol:   name,
			PerSession: map[string][]string{},
		}
		for _, s := range sessions {
			inc.PerSession[s.ID] = sortedVersionsDesc(s.Capabilities.Protocols[name])
		}
		inc.Suggestion = suggestion(sessions, name)
		result.Incompatibilities = append(result.Incompatibilities, inc)
		result.Compatible = false
	}

	sort.Slice(result.Incompatibilities, func(i, j int) bool {
		return result.Incompatibilities[i].Protocol < result.Incompatibilities[j].Protocol
	})
	if len(result.Incompatibilities) > 0 {
		result.Suggestion = result.Incompatibilities[0].Suggestion
	}
	return result, nil
}

// Matrix computes the pairwise result for every unordered session pair,
// keyed "a|b" with a < b lexicographically.
func (n *Negotiator) Matrix(sessions []models.Session, required []models.ProtocolRequirement) (*models.PairwiseMatrix, error) {
	if len(sessions) < 2 {
		return nil, errs.E(errs.KindValidation, "pairwise matrix needs at least two sessions, got %d", len(sessions))
	}

	matrix := &models.PairwiseMatrix{Pairs: map[string]*models.NegotiationResult{}}
	for i := 0; i < len(sessions); i++ {
		for j := i + 1; j < len(sessions); j++ {
			a, b := sessions[i], sessions[j]
			if b.ID < a.ID {
				a, b = b, a
			}
			res, err := n.Negotiate([]models.Session{a, b}, required)
			if err != nil {
				return nil, err
			}
			matrix.Pairs[a.ID+"|"+b.ID] = res
		}
	}
	return matrix, nil
}

// ── Internals ───────────────────────────────────────────────

// checkRequired verifies every participant holds each required exact
// version. The first unsatisfied requirement (by protocol name) comes
// back as the sole incompatibility.
func checkRequired(sessions []models.Session, required []models.ProtocolRequirement) *models.Incompatibility {
	reqs := append([]models.ProtocolRequirement(nil), required...)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Name < reqs[j].Name })

	for _, req := range reqs {
		var lagging []string
		for _, s := range sessions {
			if !s.Capabilities.SupportsVersion(req.Name, req.Version) {
				lagging = append(lagging, s.ID)
			}
		}
		if len(lagging) == 0 {
			continue
		}
		sort.Strings(lagging)

		inc := &models.Incompatibility{
			Protocol:   req.Name,
			PerSession: map[string][]string{},
		}
		for _, s := range sessions {
			inc.PerSession[s.ID] = sortedVersionsDesc(s.Capabilities.Protocols[req.Name])
		}
		if len(lagging) == 1 {
			inc.Suggestion = fmt.Sprintf("upgrade session %s to version %s", lagging[0], req.Version)
		} else {
			inc.Suggestion = fmt.Sprintf("upgrade sessions %v to version %s", lagging, req.Version)
		}
		return inc
	}
	return nil
}

// candidateProtocols returns the sorted names of every protocol appearing
// in any participant's advertisement. A protocol only one side speaks
// still surfaces, as an incompatibility.
func candidateProtocols(sessions []models.Session) []string {
	seen := map[string]bool{}
	for _, s := range sessions {
		for name := range s.Capabilities.Protocols {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// versionIntersection returns the versions of the protocol every session
// supports.
func versionIntersection(sessions []models.Session, name string) []string {
	counts := map[string]int{}
	for _, s := range sessions {
		seen := map[string]bool{}
		for _, v := range s.Capabilities.Protocols[name] {
			if !seen[v] {
				seen[v] = true
				counts[v]++
			}
		}
	}
	var out []string
	for v, c := range counts {
		if c == len(sessions) {
			out = append(out, v)
		}
	}
	return out
}

// maxVersion picks the highest semantic version. Unparseable versions are
// skipped; registration validates the format.
func maxVersion(versions []string) string {
	best := versions[0]
	bestV, bestErr := semver.NewVersion(best)
	for _, v := range versions[1:] {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if bestErr != nil || sv.GreaterThan(bestV) {
			best, bestV, bestErr = v, sv, nil
		}
	}
	return best
}

func sortedVersionsDesc(versions []string) []string {
	out := append([]string{}, versions...)
	sort.Slice(out, func(i, j int) bool {
		vi, ei := semver.NewVersion(out[i])
		vj, ej := semver.NewVersion(out[j])
		if ei != nil || ej != nil {
			return out[i] > out[j]
		}
		return vi.GreaterThan(vj)
	})
	return out
}

// commonFeatures intersects the feature sets of all sessions, sorted.
func commonFeatures(sessions []models.Session) []string {
	counts := map[string]int{}
	for _, s := range sessions {
		seen := map[string]bool{}
		for _, f := range s.Capabilities.Features {
			if !seen[f] {
				seen[f] = true
				counts[f]++
			}
		}
	}
	out := []string{}
	for f, c := range counts {
		if c == len(sessions) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// missingFeatures maps each session to the features other sessions have
// that it lacks, sorted. Every session appears; one missing nothing maps
// to an empty set.
func missingFeatures(sessions []models.Session) map[string][]string {
	union := map[string]bool{}
	for _, s := range sessions {
		for _, f := range s.Capabilities.Features {
			union[f] = true
		}
	}
	out := map[string][]string{}
	for _, s := range sessions {
		missing := []string{}
		for f := range union {
			if !s.Capabilities.HasFeature(f) {
				missing = append(missing, f)
			}
		}
		sort.Strings(missing)
		out[s.ID] = missing
	}
	return out
}

// suggestion proposes the cheapest fix for an incompatible protocol: the
// lagging sessions upgrade to the version most peers already hold.
func suggestion(sessions []models.Session, name string) string {
	counts := map[string]int{}
	for _, s := range sessions {
		for _, v := range s.Capabilities.Protocols[name] {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return fmt.Sprintf("no session supports protocol %s", name)
	}

	var target string
	var targetV *semver.Version
	best := 0
	for v, c := range counts {
		sv, err := semver.NewVersion(v)
		if c > best || (c == best && err == nil && (targetV == nil || sv.GreaterThan(targetV))) {
			target = v
			best = c
			if err == nil {
				targetV = sv
			}
		}
	}

	var lagging []string
	for _, s := range sessions {
		if !s.Capabilities.SupportsVersion(name, target) {
			lagging = append(lagging, s.ID)
		}
	}
	sort.Strings(lagging)
	if len(lagging) == 1 {
		return fmt.Sprintf("upgrade session %s to version %s", lagging[0], target)
	}
	return fmt.Sprintf("upgrade sessions %v to version %s", lagging, target)
}
