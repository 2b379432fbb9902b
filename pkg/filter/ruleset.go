package filter

// Ruleset is an immutable snapshot of a rule table. Only the rule counters
// change after NewRuleset returns, so a Ruleset can be shared freely between
// goroutines.
type Ruleset struct {
	rules  []*Rule
	skip   SkipSteps
	ticket uint32
}

// NewRuleset builds a snapshot of rules identified by ticket. The slice is
// copied; the rules themselves are shared.
func NewRuleset(rules []*Rule, ticket uint32) *Ruleset {
	rs := &Ruleset{
		rules:  append([]*Rule(nil), rules...),
		ticket: ticket,
	}
	rs.skip = CalcSkipSteps(rs.rules)
	return rs
}

// Empty returns a snapshot without rules.
func Empty() *Ruleset {
	return &Ruleset{}
}

func (rs *Ruleset) Len() int {
	return len(rs.rules)
}

func (rs *Ruleset) Ticket() uint32 {
	return rs.ticket
}

func (rs *Ruleset) Rule(i int) *Rule {
	return rs.rules[i]
}

// Rules returns a copy of the rule slice.
func (rs *Ruleset) Rules() []*Rule {
	return append([]*Rule(nil), rs.rules...)
}

// Skip returns the skip step of rule i for criterion c.
func (rs *Ruleset) Skip(i int, c SkipCriterion) int {
	return rs.skip[i][c]
}

// Find returns the index of the rule numbered nr, or -1.
func (rs *Ruleset) Find(nr uint32) int {
	for i, r := range rs.rules {
		if r.Nr == nr {
			return i
		}
	}
	return -1
}

// Evaluate scans the filter rules for a packet travelling in direction dir
// and returns the last matching rule, or the first matching quick rule. It
// returns nil when no rule matched. Scrub rules are ignored.
func (rs *Ruleset) Evaluate(dir Direction, t *Tuple) *Rule {
	var match *Rule
	i := 0
	for i < len(rs.rules) {
		r := rs.rules[i]
		if r.Action == Scrub {
			i++
			continue
		}
		r.evaluations.Add(1)
		next, ok := rs.matchSkip(i, dir, t, SkipCount)
		if !ok {
			i = next
			continue
		}
		if !matchRest(r, t) {
			i++
			continue
		}
		r.countMatch(t.Length)
		match = r
		if r.Quick {
			break
		}
		i++
	}
	return match
}

// FirstScrub returns the first scrub rule whose IP level criteria match, or
// nil. Port predicates of scrub rules are not evaluated.
func (rs *Ruleset) FirstScrub(dir Direction, t *Tuple) *Rule {
	i := 0
	for i < len(rs.rules) {
		r := rs.rules[i]
		if r.Action != Scrub {
			i++
			continue
		}
		r.evaluations.Add(1)
		next, ok := rs.matchSkip(i, dir, t, SkipSrc)
		if !ok {
			i = next
			continue
		}
		if !r.Src.MatchAddr(t.Src) {
			i = rs.skip[i][SkipSrc]
			continue
		}
		if !r.Dst.MatchAddr(t.Dst) {
			i = rs.skip[i][SkipDst]
			continue
		}
		r.countMatch(t.Length)
		return r
	}
	return nil
}

// matchSkip tests the skip criteria below limit in order. On failure it
// returns the index the scan continues at.
func (rs *Ruleset) matchSkip(i int, dir Direction, t *Tuple, limit SkipCriterion) (int, bool) {
	r := rs.rules[i]
	for c := SkipCriterion(0); c < limit; c++ {
		if !matchCriterion(r, c, dir, t) {
			return rs.skip[i][c], false
		}
	}
	return i + 1, true
}
