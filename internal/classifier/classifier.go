package classifier

import (
	"context"
	"strings"
	"unicode"
)

// Classifier maps free text to one operation name. An empty result means
// nothing matched.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Rule names an operation and the phrases that select it.
type Rule struct {
	Operation string
	Keywords  []string
}

// KeywordClassifier picks the operation whose name, in any common spelling,
// appears in the text. Otherwise the rule with the longest matching keyword
// wins, ties going to the earlier rule.
type KeywordClassifier struct {
	rules []Rule
}

// NewKeywordClassifier keeps rules in order; earlier rules win ties.
func NewKeywordClassifier(rules ...Rule) *KeywordClassifier {
	return &KeywordClassifier{rules: rules}
}

func (c *KeywordClassifier) Classify(_ context.Context, text string) (string, error) {
	lower := strings.ToLower(text)
	if lower == "" {
		return "", nil
	}
	for _, rule := range c.rules {
		for _, variant := range nameVariants(rule.Operation) {
			if strings.Contains(lower, variant) {
				return rule.Operation, nil
			}
		}
	}

	best, bestScore := "", 0
	for _, rule := range c.rules {
		for _, keyword := range rule.Keywords {
			kw := strings.ToLower(strings.TrimSpace(keyword))
			if kw != "" && len(kw) > bestScore && strings.Contains(lower, kw) {
				best, bestScore = rule.Operation, len(kw)
			}
		}
	}
	return best, nil
}

// nameVariants spells an operation name as snake_case, kebab-case, words
// and run-together camelCase.
func nameVariants(name string) []string {
	words := splitWords(name)
	if len(words) == 0 {
		return nil
	}
	return []string{
		strings.Join(words, "_"),
		strings.Join(words, "-"),
		strings.Join(words, " "),
		strings.Join(words, ""),
	}
}

func splitWords(name string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for i, r := range name {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && i > 0:
			flush()
			current.WriteRune(unicode.ToLower(r))
		default:
			current.WriteRune(unicode.ToLower(r))
		}
	}
	flush()
	return words
}
