// Package detector classifies a sanitized tracking number into carrier candidates
// using an ordered rule table. It is pure: no I/O, safe for concurrent use.
package detector

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Carrier describes one carrier namespace the provider can be queried for.
type Carrier struct {
	Code            string
	RequiresAuxCode bool
	AuxCodePattern  *regexp.Regexp
}

// AuxCodeUsable reports whether a trial for this carrier can be issued with aux.
func (c Carrier) AuxCodeUsable(aux string) bool {
	if !c.RequiresAuxCode {
		return true
	}
	if aux == "" {
		return false
	}
	return c.AuxCodePattern == nil || c.AuxCodePattern.MatchString(aux)
}

type Rule struct {
	Pattern    *regexp.Regexp
	Carrier    string
	Confidence Confidence
}

// Detection is the detector output. HighConfidence implies exactly one candidate.
type Detection struct {
	Candidates     []Carrier
	HighConfidence bool
	// MatchedRule is the pattern of the rule that fired, empty when nothing matched.
	MatchedRule string
}

type Detector struct {
	carriers []Carrier
	byCode   map[string]Carrier
	rules    []Rule
}

// New validates the table: every rule must point to a known carrier.
// carriers order is the default order used when nothing matches.
func New(carriers []Carrier, rules []Rule) (*Detector, error) {
	if len(carriers) == 0 {
		return nil, errors.New("detector: no carriers")
	}
	byCode := make(map[string]Carrier, len(carriers))
	for _, c := range carriers {
		if c.Code == "" {
			return nil, errors.New("detector: carrier code is required")
		}
		if _, dup := byCode[c.Code]; dup {
			return nil, errors.Errorf("detector: duplicate carrier %q", c.Code)
		}
		byCode[c.Code] = c
	}
	for i, r := range rules {
		if r.Pattern == nil {
			return nil, errors.Errorf("detector: rule %d has no pattern", i)
		}
		if _, ok := byCode[r.Carrier]; !ok {
			return nil, errors.Errorf("detector: rule %d references unknown carrier %q", i, r.Carrier)
		}
		if r.Confidence != ConfidenceHigh && r.Confidence != ConfidenceLow {
			return nil, errors.Errorf("detector: rule %d has bad confidence %q", i, r.Confidence)
		}
	}
	return &Detector{carriers: carriers, byCode: byCode, rules: rules}, nil
}

// Detect evaluates rules top to bottom, first match wins.
func (d *Detector) Detect(trackingNumber string) Detection {
	for _, r := range d.rules {
		if !r.Pattern.MatchString(trackingNumber) {
			continue
		}
		matched := d.byCode[r.Carrier]
		if r.Confidence == ConfidenceHigh {
			return Detection{Candidates: []Carrier{matched}, HighConfidence: true, MatchedRule: r.Pattern.String()}
		}
		out := make([]Carrier, 0, len(d.carriers))
		out = append(out, matched)
		for _, c := range d.carriers {
			if c.Code != matched.Code {
				out = append(out, c)
			}
		}
		return Detection{Candidates: out, MatchedRule: r.Pattern.String()}
	}
	return Detection{Candidates: append([]Carrier(nil), d.carriers...)}
}

func (d *Detector) Carrier(code string) (Carrier, bool) {
	c, ok := d.byCode[code]
	return c, ok
}

func (d *Detector) Carriers() []Carrier {
	return append([]Carrier(nil), d.carriers...)
}

// Sanitize normalizes user input: trims, upper-cases and drops spaces and dashes.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch r {
		case ' ', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var wellFormed = regexp.MustCompile(`^[A-Z0-9]{6,40}$`)

// WellFormed reports whether a sanitized number is worth sending anywhere.
func WellFormed(trackingNumber string) bool {
	return wellFormed.MatchString(trackingNumber)
}
