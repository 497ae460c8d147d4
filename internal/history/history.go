// Package history answers similarity lookups over a YAML knowledge base
// of past incidents and their resolutions.
package history

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/aegis/internal/incident"
)

const (
	serviceWeight  = 0.5
	keywordWeight  = 0.2
	scoreThreshold = 0.3
	maxScore       = 1.0
	maxMatches     = 3
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// Entry is one historical incident in the knowledge base.
type Entry struct {
	ID          string   `yaml:"id"`
	Service     string   `yaml:"service"`
	Description string   `yaml:"description"`
	Resolution  string   `yaml:"resolution"`
	Keywords    []string `yaml:"keywords"`
}

type knowledgeBase struct {
	Incidents []Entry `yaml:"incidents"`
}

// Store ranks past incidents by similarity to a query. Entries are loaded
// once at construction and never mutated, so lookups are safe for
// concurrent use.
type Store struct {
	entries []Entry
}

// New builds a store from the embedded default knowledge base.
func New() (*Store, error) {
	return parse(defaultKnowledge, "embedded knowledge base")
}

// NewFromFile builds a store from a YAML knowledge base on disk.
func NewFromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("history: read knowledge base: %w", err)
	}
	return parse(data, path)
}

func parse(data []byte, source string) (*Store, error) {
	var kb knowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", source, err)
	}
	return &Store{entries: kb.Incidents}, nil
}

// Len reports how many past incidents are loaded.
func (s *Store) Len() int { return len(s.entries) }

// FindSimilar scores every entry against the query and returns those above
// the similarity threshold, best first, at most three. Ties keep knowledge
// base order.
func (s *Store) FindSimilar(_ context.Context, service string, keywords []string) ([]incident.HistoryMatch, error) {
	var matches []incident.HistoryMatch
	for _, e := range s.entries {
		score := e.score(service, keywords)
		if score <= scoreThreshold {
			continue
		}
		matches = append(matches, incident.HistoryMatch{
			ID:          e.ID,
			Service:     e.Service,
			Description: e.Description,
			Resolution:  e.Resolution,
			Score:       score,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches, nil
}

// score is serviceWeight when the query service appears in the entry
// service, plus keywordWeight per query keyword found in the entry
// keywords or description, capped at maxScore. All comparisons are
// case-insensitive substring checks.
func (e Entry) score(service string, keywords []string) float64 {
	var score float64
	if service != "" && strings.Contains(strings.ToLower(e.Service), strings.ToLower(service)) {
		score += serviceWeight
	}
	desc := strings.ToLower(e.Description)
	for _, kw := range keywords {
		word := strings.ToLower(kw)
		if word == "" {
			continue
		}
		if e.matchesKeyword(word, desc) {
			score += keywordWeight
		}
	}
	if score > maxScore {
		score = maxScore
	}
	return score
}

func (e Entry) matchesKeyword(word, loweredDescription string) bool {
	for _, kw := range e.Keywords {
		if strings.Contains(strings.ToLower(kw), word) {
			return true
		}
	}
	return strings.Contains(loweredDescription, word)
}
