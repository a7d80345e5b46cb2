// Package scoring ranks qualified leads: a 0-100 score from validated signals
// and warm network contacts, bucketed into a follow-up tier.
package scoring

import (
	"context"
	"math"
	"net/mail"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/pipeline"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

// Intake fields read from Lead.Extra. Matching is case-insensitive.
const (
	// FieldEmail is the lead's own address, also read from "contact_email".
	// Its domain stands in for the company domain when the lead has no
	// website.
	FieldEmail = "email"
	// FieldContacts lists network contacts for this lead alone, as
	// addresses separated by commas, semicolons or newlines.
	FieldContacts = "contacts"
)

// Scorer assesses qualified leads against the seller's network.
type Scorer struct {
	Config config.Scoring
	// Contacts is the network shared by every lead of a run.
	Contacts []lead.Contact
}

// Assess scores q, the qualification of l.
func (s *Scorer) Assess(l lead.Lead, q lead.Qualification) lead.Assessment {
	domain := Domain(l)
	network := append(append([]lead.Contact{}, s.Contacts...), ParseContacts(extra(l, FieldContacts))...)
	matches := MatchContacts(domain, network)

	score := s.Config.Base
	for _, sig := range q.Positive {
		score += s.Config.Weights[sig.Type] * q.AIConfidence
	}
	for _, sig := range q.Negative {
		score -= s.Config.Weights[sig.Type] * q.AIConfidence
	}
	score += math.Min(float64(len(matches))*s.Config.ContactBonus, s.Config.MaxContactBonus)

	n := int(math.Round(math.Max(0, math.Min(100, score))))
	return lead.Assessment{
		Score:          n,
		Tier:           lead.TierOf(n),
		Domain:         domain,
		ContactMatches: matches,
	}
}

// Domain is the company domain of l: the host of its website without "www.",
// or else the domain of its email address.
func Domain(l lead.Lead) string {
	if d := strings.ToLower(rooturl.Domain(l.Website)); d != "" {
		return d
	}
	return lead.Contact{Email: extra(l, FieldEmail, "contact_email")}.Domain()
}

// MatchContacts returns the contacts whose email domain is domain, each
// address once, in input order.
func MatchContacts(domain string, contacts []lead.Contact) []lead.Contact {
	out := []lead.Contact{}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return out
	}
	seen := make(map[string]bool)
	for _, c := range contacts {
		key := strings.ToLower(strings.TrimSpace(c.Email))
		if c.Domain() != domain || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// ParseContacts reads a free-form contact list such as
// "Jane <jane@acme.test>; bob@acme.test". Entries without an address are
// skipped.
func ParseContacts(s string) []lead.Contact {
	var out []lead.Contact
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := mail.ParseAddress(part); err == nil {
			out = append(out, lead.Contact{Name: a.Name, Email: a.Address})
			continue
		}
		if strings.Contains(part, "@") && !strings.ContainsAny(part, " <>") {
			out = append(out, lead.Contact{Email: part})
		}
	}
	return out
}

// extra returns the first non-empty intake field named by fields.
func extra(l lead.Lead, fields ...string) string {
	for _, f := range fields {
		for k, v := range l.Extra {
			if strings.EqualFold(strings.TrimSpace(k), f) && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// Qualifier assesses every qualification Next produces.
type Qualifier struct {
	Next   pipeline.Qualifier
	Scorer *Scorer
}

func (q Qualifier) Qualify(ctx context.Context, l lead.Lead) (lead.Qualification, error) {
	out, err := q.Next.Qualify(ctx, l)
	if err != nil {
		return out, err
	}
	a := q.Scorer.Assess(l, out)
	out.Assessment = &a
	return out, nil
}
