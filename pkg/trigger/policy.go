// Package trigger decides which transcript fragments should spawn an image generation job.
//
// A Policy is chosen once at startup from Settings and stays fixed for the whole session.
// Evaluate must stay free of side effects: it only looks at the fragment and the transcript
// snapshot it is given.
package trigger

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	NameAlways   = "always"
	NameKeyword  = "keyword"
	NameNouns    = "nouns"
	DefaultWords = 20
)

// DefaultKeywords are used by the keyword policy when none are configured.
var DefaultKeywords = []string{"landscape", "picture", "image", "imagine", "draw", "paint", "scene"}

type Policy interface {
	Evaluate(fragment string, snapshot []string) bool
	Name() string
}

// Always triggers on every non-empty fragment.
type Always struct{}

func (Always) Name() string { return NameAlways }

func (Always) Evaluate(fragment string, _ []string) bool {
	return !isBlank(fragment)
}

// KeywordLength triggers when a fragment is long enough and mentions one of the keywords.
type KeywordLength struct {
	MinWords int
	Keywords []string
}

func (p KeywordLength) Name() string { return NameKeyword }

func (p KeywordLength) Evaluate(fragment string, _ []string) bool {
	if isBlank(fragment) {
		return false
	}
	if len(strings.Fields(fragment)) < p.MinWords {
		return false
	}
	lower := strings.ToLower(fragment)
	for _, kw := range p.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// NounDensity triggers when the fragment contains at least MinNouns common nouns.
type NounDensity struct {
	Extractor NounExtractor
	MinNouns  int
}

func (p NounDensity) Name() string { return NameNouns }

func (p NounDensity) Evaluate(fragment string, _ []string) bool {
	if isBlank(fragment) || p.Extractor == nil {
		return false
	}
	want := p.MinNouns
	if want < 1 {
		want = 1
	}
	return len(p.Extractor.ExtractNouns(fragment)) >= want
}

// Settings selects and parameterizes a policy.
type Settings struct {
	Policy   string
	MinWords int
	Keywords []string
	MinNouns int
}

// New builds the policy named in s. extractor is only used by the nouns policy; when nil a
// ProseExtractor is used.
func New(s Settings, extractor NounExtractor) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s.Policy)) {
	case "", NameAlways:
		return Always{}, nil
	case NameKeyword:
		p := KeywordLength{MinWords: s.MinWords, Keywords: s.Keywords}
		if p.MinWords <= 0 {
			p.MinWords = DefaultWords
		}
		if len(p.Keywords) == 0 {
			p.Keywords = append([]string(nil), DefaultKeywords...)
		}
		return p, nil
	case NameNouns:
		if extractor == nil {
			extractor = ProseExtractor{}
		}
		p := NounDensity{Extractor: extractor, MinNouns: s.MinNouns}
		if p.MinNouns <= 0 {
			p.MinNouns = 1
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown trigger policy %q", s.Policy)
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
