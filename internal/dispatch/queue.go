package dispatch

import (
	"sort"
)

// QueueReport describes the anomalies found in the company queue.
type QueueReport struct {
	ActiveCompanies      int         `json:"activeCompanies"`
	NullPositions        []int64     `json:"nullPositions"`
	NonPositivePositions []int64     `json:"nonPositivePositions"`
	DuplicatePositions   []Duplicate `json:"duplicatePositions"`
	Gaps                 []int       `json:"gaps"`
	InactiveWithPosition []int64     `json:"inactiveWithPosition"`
	Next                 *Company    `json:"next"`
}

type Duplicate struct {
	Position   int     `json:"position"`
	CompanyIDs []int64 `json:"companyIds"`
}

// Clean reports whether the active companies hold exactly 1..N.
func (r QueueReport) Clean() bool {
	return len(r.NullPositions) == 0 &&
		len(r.NonPositivePositions) == 0 &&
		len(r.DuplicatePositions) == 0 &&
		len(r.Gaps) == 0 &&
		len(r.InactiveWithPosition) == 0
}

// Anomalies counts the companies and positions that break the queue.
func (r QueueReport) Anomalies() int {
	n := len(r.NullPositions) + len(r.NonPositivePositions) + len(r.Gaps) + len(r.InactiveWithPosition)
	for _, d := range r.DuplicatePositions {
		n += len(d.CompanyIDs)
	}
	return n
}

func hasValidPosition(c Company) bool {
	return c.QueuePosition != nil && *c.QueuePosition > 0
}

// before orders two active companies for selection. Companies with a valid
// position come first by position; ties go to the company assigned least
// recently (never assigned wins), then the oldest row, then the lowest id.
func before(a, b Company) bool {
	av, bv := hasValidPosition(a), hasValidPosition(b)
	if av != bv {
		return av
	}
	if av && *a.QueuePosition != *b.QueuePosition {
		return *a.QueuePosition < *b.QueuePosition
	}
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
		return a.LastAssignedAt.Before(*b.LastAssignedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SelectionOrder returns the active companies in the order the rotation
// would pick them.
func SelectionOrder(companies []Company) []Company {
	out := make([]Company, 0, len(companies))
	for _, c := range companies {
		if c.Active() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Next returns the head of the queue, skipping the excluded company ids.
func Next(companies []Company, exclude ...int64) (Company, bool) {
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for _, c := range SelectionOrder(companies) {
		if !skip[c.ID] {
			return c, true
		}
	}
	return Company{}, false
}

// Rotate moves chosenID to the back of the queue and renumbers the active
// companies 1..N. Only rows whose position changes are returned.
func Rotate(companies []Company, chosenID int64) []Change {
	order := SelectionOrder(companies)
	idx := -1
	for i, c := range order {
		if c.ID == chosenID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		chosen := order[idx]
		order = append(order[:idx:idx], order[idx+1:]...)
		order = append(order, chosen)
	}
	return renumber(companies, order)
}

// Normalize renumbers the active companies 1..N in selection order and
// clears positions held by inactive companies.
func Normalize(companies []Company) []Change {
	return renumber(companies, SelectionOrder(companies))
}

// Place computes the queue after companyID switches to status. A company
// that becomes active joins at the back; one that leaves the active set
// loses its position and the rest are compacted.
func Place(companies []Company, companyID int64, status string) []Change {
	updated := make([]Company, len(companies))
	copy(updated, companies)

	wasActive := false
	for i := range updated {
		if updated[i].ID == companyID {
			wasActive = updated[i].Active()
			updated[i].Status = status
		}
	}

	if status != CompanyActive || wasActive {
		return renumber(updated, SelectionOrder(updated))
	}

	others := make([]Company, 0, len(updated))
	var joined *Company
	for i := range updated {
		if updated[i].ID == companyID {
			joined = &updated[i]
			continue
		}
		others = append(others, updated[i])
	}
	order := SelectionOrder(others)
	if joined != nil {
		order = append(order, *joined)
	}
	return renumber(updated, order)
}

func renumber(all []Company, order []Company) []Change {
	target := make(map[int64]int, len(order))
	for i, c := range order {
		target[c.ID] = i + 1
	}
	var changes []Change
	for _, c := range all {
		pos, ok := target[c.ID]
		switch {
		case ok && (c.QueuePosition == nil || *c.QueuePosition != pos):
			p := pos
			changes = append(changes, Change{CompanyID: c.ID, From: c.QueuePosition, To: &p})
		case !ok && c.QueuePosition != nil:
			changes = append(changes, Change{CompanyID: c.ID, From: c.QueuePosition, To: nil})
		}
	}
	return changes
}

// Apply returns a copy of companies with changes applied.
func Apply(companies []Company, changes []Change) []Company {
	out := make([]Company, len(companies))
	copy(out, companies)
	byID := make(map[int64]*int, len(changes))
	for _, ch := range changes {
		byID[ch.CompanyID] = ch.To
	}
	for i := range out {
		if to, ok := byID[out[i].ID]; ok {
			out[i].QueuePosition = to
		}
	}
	return out
}

// Simulate previews the next n companies the rotation would pick.
func Simulate(companies []Company, n int) []Company {
	cur := companies
	var out []Company
	for i := 0; i < n; i++ {
		next, ok := Next(cur)
		if !ok {
			break
		}
		out = append(out, next)
		cur = Apply(cur, Rotate(cur, next.ID))
	}
	return out
}

// Inspect reports queue anomalies without modifying anything.
func Inspect(companies []Company) QueueReport {
	r := QueueReport{
		NullPositions:        []int64{},
		NonPositivePositions: []int64{},
		DuplicatePositions:   []Duplicate{},
		Gaps:                 []int{},
		InactiveWithPosition: []int64{},
	}
	seen := map[int][]int64{}
	for _, c := range companies {
		if !c.Active() {
			if c.QueuePosition != nil {
				r.InactiveWithPosition = append(r.InactiveWithPosition, c.ID)
			}
			continue
		}
		r.ActiveCompanies++
		switch {
		case c.QueuePosition == nil:
			r.NullPositions = append(r.NullPositions, c.ID)
		case *c.QueuePosition <= 0:
			r.NonPositivePositions = append(r.NonPositivePositions, c.ID)
		default:
			seen[*c.QueuePosition] = append(seen[*c.QueuePosition], c.ID)
		}
	}

	positions := make([]int, 0, len(seen))
	for p := range seen {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	for _, p := range positions {
		if ids := seen[p]; len(ids) > 1 {
			r.DuplicatePositions = append(r.DuplicatePositions, Duplicate{Position: p, CompanyIDs: ids})
		}
	}
	for p := 1; p <= r.ActiveCompanies; p++ {
		if _, ok := seen[p]; !ok {
			r.Gaps = append(r.Gaps, p)
		}
	}

	if next, ok := Next(companies); ok {
		r.Next = &next
	}
	return r
}
