package agents

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// stopwords carry no referential weight when matching titles.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "at": true, "in": true, "on": true,
	"to": true, "of": true, "for": true, "and": true, "my": true, "our": true,
}

// scored pairs a node with its match score against the request text.
type scored struct {
	node      models.Node
	dayNumber int
	score     float64
}

// ResolveReference maps a free-text reference onto a node.
//
// Returns (nodeID, nil) when the target is unambiguous, ("", candidates)
// when more than one node plausibly matches, and ("", nil) when nothing
// matches. An explicit selectedNodeID short-circuits matching entirely;
// dayNumber > 0 restricts matching to that day. When several plausible
// matches exist the candidates are ranked by similarity then recency and
// all of them are returned, never a silent best pick.
func ResolveReference(it *models.Itinerary, text, selectedNodeID string, dayNumber int) (string, []models.NodeCandidate) {
	if selectedNodeID != "" {
		if _, _, _, ok := it.FindNode(selectedNodeID); ok {
			return selectedNodeID, nil
		}
	}

	textTokens := tokenize(text)
	if len(textTokens) == 0 {
		return "", nil
	}

	var matches []scored
	for i := range it.Days {
		day := &it.Days[i]
		if dayNumber > 0 && day.Number != dayNumber {
			continue
		}
		for _, node := range day.Nodes {
			s := similarity(textTokens, node)
			if s > 0 {
				matches = append(matches, scored{node: node, dayNumber: day.Number, score: s})
			}
		}
	}
	if len(matches) == 0 {
		return "", nil
	}

	// Similarity first, recency second.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].node.UpdatedAt.After(matches[j].node.UpdatedAt)
	})

	// Plausible = within a small band of the best score. One plausible
	// match resolves directly; more than one goes back to the user.
	const band = 0.15
	best := matches[0].score
	plausible := lo.Filter(matches, func(m scored, _ int) bool {
		return m.score >= best-band
	})

	if len(plausible) == 1 {
		return plausible[0].node.ID, nil
	}

	candidates := lo.Map(plausible, func(m scored, _ int) models.NodeCandidate {
		return models.NodeCandidate{
			NodeID:    m.node.ID,
			Title:     m.node.Title,
			DayNumber: m.dayNumber,
			Score:     m.score,
		}
	})
	return "", candidates
}

// similarity scores how strongly the request text refers to the node:
// the fraction of the node's title tokens present in the text, with a
// small boost when the node type name itself appears.
func similarity(textTokens map[string]bool, node models.Node) float64 {
	titleTokens := tokenize(node.Title)
	if len(titleTokens) == 0 {
		return 0
	}
	hits := 0
	for tok := range titleTokens {
		if textTokens[tok] {
			hits++
		}
	}
	score := float64(hits) / float64(len(titleTokens))
	if textTokens[string(node.Type)] {
		score += 0.1
	}
	return score
}

func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if !stopwords[tok] {
			out[tok] = true
		}
	}
	return out
}
