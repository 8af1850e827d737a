package detector

import (
	"regexp"

	"github.com/BearBump/LockerBox/config"
	"github.com/pkg/errors"
)

// Встроенная таблица. Порядок перевозчиков = порядок опроса, когда ни одно правило не сработало.
var defaultCarriers = []config.CarrierConfig{
	{Code: "jne"},
	{Code: "jnt"},
	{Code: "sicepat"},
	{Code: "anteraja"},
	{Code: "spx"},
	{Code: "ninja"},
	{Code: "pos"},
	{Code: "tiki"},
	{Code: "lion"},
	{Code: "ide"},
	{Code: "wahana"},
	{Code: "sap", RequiresAuxCode: true, AuxCodePattern: `^\d{5}$`},
}

var defaultRules = []config.RuleConfig{
	{Pattern: `^JP\d{10}$`, Carrier: "jnt", Confidence: "high"},
	{Pattern: `^SPXID\d{10,14}$`, Carrier: "spx", Confidence: "high"},
	{Pattern: `^(NV|NLID)[A-Z0-9]{8,16}$`, Carrier: "ninja", Confidence: "high"},
	{Pattern: `^\d{12}$`, Carrier: "sicepat", Confidence: "high"},
	{Pattern: `^1\d{14}$`, Carrier: "anteraja", Confidence: "low"},
	{Pattern: `^(CGK|BDO|SUB|JOG|MES|UPG|DPS|TLJ)[A-Z0-9]{8,14}$`, Carrier: "jne", Confidence: "low"},
	{Pattern: `^IDS\d{9,13}$`, Carrier: "ide", Confidence: "low"},
	{Pattern: `^P\d{11,14}[A-Z]{0,2}$`, Carrier: "pos", Confidence: "low"},
	{Pattern: `^\d{11}$`, Carrier: "lion", Confidence: "low"},
}

// FromConfig builds a detector from the config table, falling back to the built-in
// carriers and rules for whichever list is empty.
func FromConfig(cfg config.DetectorConfig) (*Detector, error) {
	cc := cfg.Carriers
	if len(cc) == 0 {
		cc = defaultCarriers
	}
	rc := cfg.Rules
	if len(rc) == 0 {
		rc = defaultRules
	}

	carriers := make([]Carrier, 0, len(cc))
	for _, c := range cc {
		out := Carrier{Code: c.Code, RequiresAuxCode: c.RequiresAuxCode}
		if c.AuxCodePattern != "" {
			re, err := regexp.Compile(c.AuxCodePattern)
			if err != nil {
				return nil, errors.Wrapf(err, "carrier %s aux pattern", c.Code)
			}
			out.AuxCodePattern = re
		}
		carriers = append(carriers, out)
	}

	rules := make([]Rule, 0, len(rc))
	for _, r := range rc {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %q", r.Pattern)
		}
		rules = append(rules, Rule{Pattern: re, Carrier: r.Carrier, Confidence: Confidence(r.Confidence)})
	}
	return New(carriers, rules)
}

// Default returns the built-in table.
func Default() *Detector {
	d, err := FromConfig(config.DetectorConfig{})
	if err != nil {
		panic(err)
	}
	return d
}
