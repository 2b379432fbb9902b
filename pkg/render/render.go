package render

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"text/template"

	"github.com/Masterminds/sprig"

	pfv1alpha1 "github.com/openshift/packet-filter/api/v1alpha1"
	"github.com/openshift/packet-filter/pkg/engine"
	"github.com/openshift/packet-filter/pkg/failsaferules"
	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

const pfConf = `
{{- define "section" }}
{{- if .Entries }}

# {{ .Title }}
{{- range .Entries }}
{{ pf . }}
{{- end }}
{{- end }}
{{- end -}}
# {{ .Name | default "packet-filter" }}
{{- if .Timeouts }}
set timeout { {{ .Timeouts | join ", " }} }
{{- end }}
{{- range .Limits }}
set limit {{ . }}
{{- end }}
{{- if eq .MatchMode.String "last" }}
set nat-match last
{{- end }}
{{- template "section" (dict "Title" "normalization" "Entries" .Scrub) }}
{{- template "section" (dict "Title" "translation" "Entries" .Translation) }}
{{- if eq .Policy.String "block" }}

# default policy
block in all
block out all
{{- end }}
{{- template "section" (dict "Title" "filter rules" "Entries" .Filter) }}
`

var pfConfTemplate = template.Must(template.New("pf.conf").Funcs(funcMap()).Parse(pfConf))

func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["pf"] = func(s fmt.Stringer) string {
		return s.String()
	}
	return funcs
}

// Setting is one "name value" option line.
type Setting struct {
	Name  string
	Value int64
}

func (s Setting) String() string {
	return fmt.Sprintf("%s %d", s.Name, s.Value)
}

// Tables is everything rendered into a pf.conf style listing.
type Tables struct {
	Name      string
	Policy    filter.Action
	MatchMode nat.MatchMode
	Timeouts  []Setting
	Limits    []Setting
	Rules     []*filter.Rule
	NATs      []*nat.NAT
	BINATs    []*nat.BINAT
	RDRs      []*nat.RDR
}

// Scrub returns the scrub rules in table order.
func (t *Tables) Scrub() []fmt.Stringer {
	var out []fmt.Stringer
	for _, r := range t.Rules {
		if r.Action == filter.Scrub {
			out = append(out, r)
		}
	}
	return out
}

// Filter returns the pass and block rules in table order.
func (t *Tables) Filter() []fmt.Stringer {
	var out []fmt.Stringer
	for _, r := range t.Rules {
		if r.Action != filter.Scrub {
			out = append(out, r)
		}
	}
	return out
}

// Translation lists the BINAT, NAT and RDR entries in the order the
// packet path consults them.
func (t *Tables) Translation() []fmt.Stringer {
	var out []fmt.Stringer
	for _, b := range t.BINATs {
		out = append(out, b)
	}
	for _, n := range t.NATs {
		out = append(out, n)
	}
	for _, r := range t.RDRs {
		out = append(out, r)
	}
	return out
}

// FromEngine captures the active tables and settings of e.
func FromEngine(name string, e *engine.Engine) Tables {
	t := Tables{
		Name:      name,
		Policy:    e.DefaultPolicy(),
		MatchMode: e.NATMatchMode(),
		Rules:     e.Rules().Rules(),
		NATs:      e.NATs().Entries(),
		BINATs:    e.BINATs().Entries(),
		RDRs:      e.RDRs().Entries(),
	}
	for i, n := range timeouts.Names() {
		if v, err := e.GetTimeout(timeouts.Timeout(i)); err == nil {
			t.Timeouts = append(t.Timeouts, Setting{Name: n, Value: v})
		}
	}
	for l := engine.Limit(0); l < engine.LimitMax; l++ {
		if v, err := e.GetLimit(l); err == nil {
			t.Limits = append(t.Limits, Setting{Name: l.String(), Value: v})
		}
	}
	return t
}

func sortedSettings(m map[string]int64) []Setting {
	out := make([]Setting, 0, len(m))
	for k, v := range m {
		out = append(out, Setting{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromConfig converts cfg the way it would be loaded, fail safe rules
// included.
func FromConfig(cfg *pfv1alpha1.PacketFilterConfig) (Tables, error) {
	spec := &cfg.Spec
	t := Tables{
		Name:     cfg.Name,
		Timeouts: sortedSettings(spec.Timeouts),
		Limits:   sortedSettings(spec.Limits),
	}
	var err error
	if t.Policy, err = spec.Policy(); err != nil {
		return Tables{}, err
	}
	if t.MatchMode, err = spec.MatchMode(); err != nil {
		return Tables{}, err
	}
	if spec.FailsafeEnabled() {
		t.Rules = append(t.Rules, failsaferules.Rules()...)
	}
	for i, r := range spec.Rules {
		rule, err := r.ToRule()
		if err != nil {
			return Tables{}, fmt.Errorf("rule %d: %w", i, err)
		}
		t.Rules = append(t.Rules, rule)
	}
	for i, n := range spec.NAT {
		entry, err := n.ToNAT()
		if err != nil {
			return Tables{}, fmt.Errorf("nat %d: %w", i, err)
		}
		t.NATs = append(t.NATs, entry)
	}
	for i, b := range spec.BINAT {
		entry, err := b.ToBINAT()
		if err != nil {
			return Tables{}, fmt.Errorf("binat %d: %w", i, err)
		}
		t.BINATs = append(t.BINATs, entry)
	}
	for i, r := range spec.RDR {
		entry, err := r.ToRDR()
		if err != nil {
			return Tables{}, fmt.Errorf("rdr %d: %w", i, err)
		}
		t.RDRs = append(t.RDRs, entry)
	}
	return t, nil
}

// Render writes t in pf.conf syntax.
func Render(w io.Writer, t Tables) error {
	return pfConfTemplate.Execute(w, &t)
}

func RenderString(t Tables) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, t); err != nil {
		return "", err
	}
	return buf.String(), nil
}
