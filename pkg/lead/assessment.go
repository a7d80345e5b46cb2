package lead

import "strings"

// Tier buckets a lead score for sales follow-up.
type Tier string

const (
	TierMoney Tier = "money"
	TierHot   Tier = "hot"
	TierWarm  Tier = "warm"
	TierCold  Tier = "cold"
)

// Tiers lists every tier from best to worst.
func Tiers() []Tier {
	return []Tier{TierMoney, TierHot, TierWarm, TierCold}
}

// TierOf buckets a 0-100 score: 85 and up is money, 60 hot, 45 warm.
func TierOf(score int) Tier {
	switch {
	case score >= 85:
		return TierMoney
	case score >= 60:
		return TierHot
	case score >= 45:
		return TierWarm
	default:
		return TierCold
	}
}

// Contact is a person in the seller's own network.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Domain is the lower-cased part of Email after the last "@", or "".
func (c Contact) Domain() string {
	i := strings.LastIndexByte(c.Email, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(c.Email[i+1:]))
}

// Assessment ranks a qualified lead for follow-up.
type Assessment struct {
	Score int  `json:"lead_score"`
	Tier  Tier `json:"lead_status"`
	// Domain is the company domain contacts were matched against.
	Domain         string    `json:"domain,omitempty"`
	ContactMatches []Contact `json:"contact_matches"`
}
