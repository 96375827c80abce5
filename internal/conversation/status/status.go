// Package status derives canonical conversation status from free-text
// runtime status tokens. The runtime vocabulary is externally controlled
// and versioned, so the token tables live in an embedded file rather than
// inline string checks.
package status

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaydev/relay/internal/conversation/models"
)

//go:embed vocab.yaml
var vocabYAML []byte

// Vocabulary is a versioned token table mapping runtime status tokens to
// canonical statuses.
type Vocabulary struct {
	Version        int      `yaml:"version"`
	Ready          []string `yaml:"ready"`
	Stopped        []string `yaml:"stopped"`
	ErrorSubstring string   `yaml:"error_substring"`
}

var defaultVocab = mustLoadVocabulary(vocabYAML)

func mustLoadVocabulary(raw []byte) *Vocabulary {
	v, err := LoadVocabulary(raw)
	if err != nil {
		panic(fmt.Sprintf("status: invalid embedded vocabulary: %v", err))
	}
	return v
}

// LoadVocabulary parses a YAML token table.
func LoadVocabulary(raw []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	if len(v.Ready) == 0 || len(v.Stopped) == 0 || v.ErrorSubstring == "" {
		return nil, fmt.Errorf("vocabulary is missing token tables")
	}
	return &v, nil
}

// Derive maps a runtime status string to a canonical status using the
// embedded vocabulary. Error wins over ready/stopped; ready wins over
// stopped; no match returns prior unchanged.
func Derive(runtimeStatus string, prior models.ConversationStatus) models.ConversationStatus {
	return defaultVocab.Derive(runtimeStatus, prior)
}

// Derive maps a runtime status string to a canonical status. Tokens must be
// bounded by non-alphanumeric characters, so "xREADY" does not match READY.
// The error substring check is unbounded and case-insensitive.
func (v *Vocabulary) Derive(runtimeStatus string, prior models.ConversationStatus) models.ConversationStatus {
	if runtimeStatus == "" {
		return prior
	}
	upper := strings.ToUpper(runtimeStatus)

	if strings.Contains(upper, strings.ToUpper(v.ErrorSubstring)) {
		return models.StatusError
	}
	for _, token := range v.Ready {
		if containsToken(upper, strings.ToUpper(token)) {
			return models.StatusRunning
		}
	}
	for _, token := range v.Stopped {
		if containsToken(upper, strings.ToUpper(token)) {
			return models.StatusStopped
		}
	}
	return prior
}

// containsToken reports whether token occurs in s bounded by
// non-alphanumeric characters (or string edges) on both sides.
func containsToken(s, token string) bool {
	for from := 0; ; {
		idx := strings.Index(s[from:], token)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(token)

		leftOK := start == 0 || !isAlphanumeric(s[start-1])
		rightOK := end == len(s) || !isAlphanumeric(s[end])
		if leftOK && rightOK {
			return true
		}
		from = start + 1
	}
}

func isAlphanumeric(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
