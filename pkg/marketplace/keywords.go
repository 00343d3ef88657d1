package marketplace

import (
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeKeyword is the form keywords are indexed and searched under.
func NormalizeKeyword(k string) string {
	return cases.Lower(language.Und).String(k)
}

// indexTerms lowercases and dedups keywords, keeping first-seen order.
// Empty keywords are stored on the agent but never indexed.
func indexTerms(keywords []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		term := NormalizeKeyword(k)
		if term == "" || !seen.Add(term) {
			continue
		}
		out = append(out, term)
	}
	return out
}

// indexKeywords moves the index of agentID from the old keyword list to the
// new one. Kept terms keep their position; added terms go to the end.
func indexKeywords(tx *state.Tx, agentID uint64, old, next []string) error {
	oldTerms := mapset.NewThreadUnsafeSet(indexTerms(old)...)
	nextOrdered := indexTerms(next)
	nextTerms := mapset.NewThreadUnsafeSet(nextOrdered...)

	for term := range oldTerms.Difference(nextTerms).Iter() {
		if _, err := tx.Exec("DELETE FROM agent_keywords WHERE keyword = ? AND agent_id = ?", term, agentID); err != nil {
			return revert.Wrap(err, revert.Internal, "unindex keyword")
		}
	}
	for _, term := range nextOrdered {
		if oldTerms.Contains(term) {
			continue
		}
		if _, err := tx.Exec("INSERT INTO agent_keywords (keyword, agent_id) VALUES (?, ?)", term, agentID); err != nil {
			return revert.Wrap(err, revert.Internal, "index keyword")
		}
	}
	return nil
}
