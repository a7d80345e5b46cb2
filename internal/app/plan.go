package app

import (
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/pipeline"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/store"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
)

// plan maps input leads onto the unique leads that still need qualifying.
// Leads sharing a company and website are qualified once.
type plan struct {
	leads []lead.Lead
	// assess, when set, completes every ok row the plan emits.
	assess  func(lead.Lead, lead.Qualification) lead.Qualification
	rows    []pipeline.Row
	pending []lead.Lead
	// pendingKeys[i] is the key pending[i] was planned under.
	pendingKeys []string
	pendingIdx  map[string][]int

	cachedRows  int
	pendingRows int
}

func buildPlan(leads []lead.Lead, prior map[string]lead.Qualification, assess func(lead.Lead, lead.Qualification) lead.Qualification) *plan {
	p := &plan{
		leads:      leads,
		assess:     assess,
		rows:       make([]pipeline.Row, len(leads)),
		pendingIdx: make(map[string][]int),
	}
	for i, l := range leads {
		key := planKey(i, l)
		if q, ok := prior[key]; ok {
			p.rows[i] = pipeline.Row{Index: i, Lead: l, Qualification: p.bind(q, l), Status: pipeline.StatusOK}
			p.cachedRows++
			continue
		}
		if _, seen := p.pendingIdx[key]; !seen {
			p.pending = append(p.pending, l)
			p.pendingKeys = append(p.pendingKeys, key)
		}
		p.pendingIdx[key] = append(p.pendingIdx[key], i)
		p.pendingRows++
	}
	return p
}

// expand returns row, the outcome for pending lead row.Index, once per input
// lead it stands for.
func (p *plan) expand(row pipeline.Row) []pipeline.Row {
	if row.Index < 0 || row.Index >= len(p.pendingKeys) {
		return nil
	}
	idxs := p.pendingIdx[p.pendingKeys[row.Index]]
	out := make([]pipeline.Row, 0, len(idxs))
	for _, idx := range idxs {
		r := row
		r.Index = idx
		r.Lead = p.leads[idx]
		if r.OK() {
			r.Qualification = p.bind(row.Qualification, r.Lead)
		}
		out = append(out, r)
	}
	return out
}

func (p *plan) apply(fresh []pipeline.Row) error {
	if len(fresh) != len(p.pending) {
		return eris.Errorf("plan mismatch: got %d rows for %d pending leads", len(fresh), len(p.pending))
	}
	for i, row := range fresh {
		row.Index = i
		expanded := p.expand(row)
		if len(expanded) == 0 {
			return eris.Errorf("plan mismatch: no input rows for lead %q", p.pending[i].ID)
		}
		for _, r := range expanded {
			p.rows[r.Index] = r
		}
	}
	return nil
}

func planKey(i int, l lead.Lead) string {
	if key := store.LeadKey(l.Company, l.Website); key != "" {
		return key
	}
	return "#" + strconv.Itoa(i)
}

func leadKeys(leads []lead.Lead) []string {
	keys := make([]string, 0, len(leads))
	for _, l := range leads {
		if key := store.LeadKey(l.Company, l.Website); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// bind gives a shared qualification the identity of l and assesses it for l.
func (p *plan) bind(q lead.Qualification, l lead.Lead) lead.Qualification {
	q.LeadID = l.ID
	q.Company = l.Company
	q.Website = l.Website
	q.Assessment = nil
	if p.assess != nil {
		q = p.assess(l, q)
	}
	return q
}
