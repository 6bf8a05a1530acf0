package handoff

import "strings"

// DefaultKeywords are operator-request phrases matched against user text.
var DefaultKeywords = []string{
	"оператор",
	"человек",
	"менеджер",
	"живой",
	"operator",
	"human",
	"manager",
	"real person",
}

// DefaultFallbackPhrases mark an AI reply that declines to answer.
var DefaultFallbackPhrases = []string{
	"не знаю",
	"не могу помочь",
	"не могу ответить",
	"затрудняюсь ответить",
	"нет информации",
	"i don't know",
	"i do not know",
	"i can't help",
	"i cannot help",
}

// DefaultAckText is sent to the user when a handoff is requested.
const DefaultAckText = "Передаю ваш вопрос оператору. Он ответит в ближайшее время."

// Policy holds the matching rules for handoff triggers. Matching is a
// case-insensitive substring test.
type Policy struct {
	Keywords        []string
	FallbackPhrases []string
	AckText         string
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Keywords:        DefaultKeywords,
		FallbackPhrases: DefaultFallbackPhrases,
		AckText:         DefaultAckText,
	}
}

// WithDefaults fills empty fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if len(p.Keywords) == 0 {
		p.Keywords = d.Keywords
	}
	if len(p.FallbackPhrases) == 0 {
		p.FallbackPhrases = d.FallbackPhrases
	}
	if p.AckText == "" {
		p.AckText = d.AckText
	}
	return p
}

// Override returns p with non-empty lists replaced, used for per-assistant
// keyword sets.
func (p Policy) Override(keywords, fallback []string) Policy {
	if len(keywords) > 0 {
		p.Keywords = keywords
	}
	if len(fallback) > 0 {
		p.FallbackPhrases = fallback
	}
	return p
}

// MatchKeyword returns the first keyword contained in text.
func (p Policy) MatchKeyword(text string) (string, bool) {
	return matchAny(text, p.Keywords)
}

// IsFallback reports whether reply contains a fallback phrase.
func (p Policy) IsFallback(reply string) bool {
	_, ok := matchAny(reply, p.FallbackPhrases)
	return ok
}

func matchAny(text string, phrases []string) (string, bool) {
	lower := strings.ToLower(normalizeApostrophes(text))
	for _, ph := range phrases {
		ph = strings.TrimSpace(ph)
		if ph == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(normalizeApostrophes(ph))) {
			return ph, true
		}
	}
	return "", false
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

func normalizeApostrophes(s string) string {
	return apostrophes.Replace(s)
}
