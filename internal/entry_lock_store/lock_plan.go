package entry_lock_store

import "sort"

// Plan collects the lock requests of one operation. Requests may be added in
// any order and may repeat; Requests returns them normalised.
type Plan struct {
	reqs []Request
}

func NewPlan(reqs ...Request) *Plan {
	p := &Plan{}
	return p.Add(reqs...)
}

func (p *Plan) Add(reqs ...Request) *Plan {
	p.reqs = append(p.reqs, reqs...)
	return p
}

// Requests returns the plan sorted into acquisition order with duplicate keys
// merged. A key requested both shared and exclusive is taken exclusive.
func (p *Plan) Requests() []Request {
	if p == nil || len(p.reqs) == 0 {
		return nil
	}

	merged := make(map[Key]bool, len(p.reqs))
	for _, r := range p.reqs {
		merged[r.Key] = merged[r.Key] || r.Exclusive
	}

	out := make([]Request, 0, len(merged))
	for k, excl := range merged {
		out = append(out, Request{Key: k, Exclusive: excl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out
}

// Equal reports whether both plans normalise to the same request list.
func (p *Plan) Equal(o *Plan) bool {
	a, b := p.Requests(), o.Requests()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Plan) Len() int {
	return len(p.Requests())
}
