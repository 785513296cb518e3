package services

import (
	"sort"
	"strings"

	"github.com/yungbote/nous-backend/internal/types"
)

const wordsPerMinute = 200

// ValidateDraft checks the structural invariants every reviewable lesson
// must satisfy: at least one heading, a narration script and a stored audio
// ref.
func ValidateDraft(draft *types.LessonDraft) error {
	hasHeading := false
	var walk func(n types.LessonNode)
	walk = func(n types.LessonNode) {
		if n.Type == types.NodeHeading {
			hasHeading = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, n := range draft.Content {
		walk(n)
	}

	if !hasHeading {
		return types.NewAssemblyError("lesson content has no heading")
	}
	if strings.TrimSpace(draft.Narration) == "" {
		return types.NewAssemblyError("narration is empty")
	}
	if draft.AudioRef == "" {
		return types.NewAssemblyError("audio ref is missing")
	}
	return nil
}

// EstimateReadMinutes returns the reading time of the content tree at 200
// words per minute, minimum one minute.
func EstimateReadMinutes(content []types.LessonNode) int {
	minutes := types.CountWords(content) / wordsPerMinute
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// AssembleDocument builds the final lesson node tree: the narration audio
// node first, then the generated content, then one media node per selected
// video.
func AssembleDocument(draft *types.LessonDraft, selected []types.VideoCandidate) []types.LessonNode {
	doc := make([]types.LessonNode, 0, len(draft.Content)+len(selected)+1)

	doc = append(doc, types.LessonNode{
		Type:     types.NodeMedia,
		Tag:      "audio",
		MediaRef: draft.AudioRef,
	})
	doc = append(doc, draft.Content...)
	for _, v := range selected {
		doc = append(doc, types.LessonNode{
			Type:     types.NodeMedia,
			Tag:      "video",
			Text:     v.Title,
			MediaRef: v.URL,
		})
	}
	return doc
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "their": true,
	"this": true, "to": true, "was": true, "were": true, "which": true,
	"will": true, "with": true, "what": true, "when": true, "how": true,
	"not": true, "they": true, "these": true, "those": true, "such": true,
	"also": true, "than": true, "then": true, "there": true, "been": true,
	"more": true, "most": true, "other": true, "some": true, "into": true,
	"each": true, "about": true, "between": true, "used": true, "using": true,
}

func normalizeTerm(w string) string {
	return strings.Trim(strings.ToLower(w), ".,;:!?\"'()[]{}")
}

// contentTerms tokenizes text into lowercase non-stopword terms.
func contentTerms(text string) []string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		w := normalizeTerm(f)
		if len(w) < 3 || stopwords[w] {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

// FallbackKeywords derives search keywords locally by term frequency when
// the model extraction fails. Deterministic: ties break alphabetically.
func FallbackKeywords(content []types.LessonNode, max int) []string {
	if max <= 0 {
		max = 5
	}
	counts := make(map[string]int)
	for _, t := range contentTerms(types.PlainText(content)) {
		counts[t]++
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}
