package filter

// SkipCriterion identifies one of the rule fields the skip steps are
// computed for. Criteria are evaluated in this order.
type SkipCriterion int

const (
	SkipInterface SkipCriterion = iota
	SkipDirection
	SkipAF
	SkipProto
	SkipSrc
	SkipDst
	SkipCount
)

func (c SkipCriterion) String() string {
	switch c {
	case SkipInterface:
		return "interface"
	case SkipDirection:
		return "direction"
	case SkipAF:
		return "af"
	case SkipProto:
		return "proto"
	case SkipSrc:
		return "src"
	case SkipDst:
		return "dst"
	}
	return "unknown"
}

// SkipSteps holds, for every rule and criterion, the index of the next rule
// whose value for that criterion differs. When rule i fails criterion c,
// every rule in [i, skip[i][c]) fails it too.
type SkipSteps [][SkipCount]int

// CalcSkipSteps computes the skip steps of rules.
func CalcSkipSteps(rules []*Rule) SkipSteps {
	steps := make(SkipSteps, len(rules))
	for c := SkipCriterion(0); c < SkipCount; c++ {
		head := 0
		for i := 1; i <= len(rules); i++ {
			if i < len(rules) && sameCriterion(rules[head], rules[i], c) {
				continue
			}
			for j := head; j < i; j++ {
				steps[j][c] = i
			}
			head = i
		}
	}
	return steps
}

func sameCriterion(a, b *Rule, c SkipCriterion) bool {
	switch c {
	case SkipInterface:
		return a.Interface == b.Interface && a.IfNot == b.IfNot
	case SkipDirection:
		return a.Direction == b.Direction
	case SkipAF:
		return a.AF == b.AF
	case SkipProto:
		return a.Proto == b.Proto
	case SkipSrc:
		return a.Src.Equal(&b.Src)
	case SkipDst:
		return a.Dst.Equal(&b.Dst)
	}
	return false
}

// matchCriterion evaluates criterion c of r against a packet travelling in
// direction dir.
func matchCriterion(r *Rule, c SkipCriterion, dir Direction, t *Tuple) bool {
	switch c {
	case SkipInterface:
		return r.Interface == "" || (r.Interface == t.Interface) != r.IfNot
	case SkipDirection:
		return r.Direction == dir
	case SkipAF:
		return r.AF == AFAny || r.AF == AFOf(t.Src)
	case SkipProto:
		return r.Proto == 0 || r.Proto == t.Proto
	case SkipSrc:
		return r.Src.Match(t.Src, t.SrcPort, t.HasPorts)
	case SkipDst:
		return r.Dst.Match(t.Dst, t.DstPort, t.HasPorts)
	}
	return false
}

// matchRest evaluates the criteria that have no skip step.
func matchRest(r *Rule, t *Tuple) bool {
	if r.FlagSet != 0 && t.TCPFlags&r.FlagSet != r.Flags {
		return false
	}
	if r.Type != 0 && (!t.HasICMP || r.Type != t.ICMPType+1) {
		return false
	}
	if r.Code != 0 && (!t.HasICMP || r.Code != t.ICMPCode+1) {
		return false
	}
	return true
}
