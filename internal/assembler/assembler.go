// Package assembler turns ranked retrieval hits into the bounded
// context block handed to the language model.
package assembler

import (
	"sort"
	"strings"

	"github.com/planpilot-ai/planpilot/internal/entity"
)

// Candidate is one retrieved entity with its similarity score.
type Candidate struct {
	Entity entity.Entity
	Score  float64
}

// Chunk is one entity's contribution to the assembled context.
type Chunk struct {
	Ref         entity.Ref `json:"ref"`
	ContentHash string     `json:"content_hash"`
	Score       float64    `json:"score"`
	Text        string     `json:"text"`
	Truncated   bool       `json:"truncated"`
}

// Context is the assembled block plus the provenance of every chunk in
// it. Citations come from Chunks, never from the model's output.
type Context struct {
	Text           string  `json:"text"`
	Chunks         []Chunk `json:"chunks"`
	EstimatedToken int     `json:"estimated_tokens"`
}

// Assembler packs candidates into a character budget.
type Assembler struct {
	budget     int
	maxPerKind int
}

// New creates an assembler with the given character budget and per-kind
// diversity cap. A cap of zero disables the cap.
func New(budget, maxPerKind int) *Assembler {
	return &Assembler{budget: budget, maxPerKind: maxPerKind}
}

const chunkSeparator = "\n\n---\n\n"

// Assemble selects and packs candidates. Selection is deterministic:
// duplicates collapse to their best score, candidates are ordered by
// score descending with ID tiebreaks, a per-kind cap keeps one noisy
// kind from crowding out the rest, and chunks are added greedily until
// the character budget is spent. If the first chunk alone exceeds the
// budget it is truncated rather than dropped, so a non-empty candidate
// list always yields a non-empty context.
func (a *Assembler) Assemble(candidates []Candidate) Context {
	selected := a.rank(candidates)

	var (
		chunks []Chunk
		parts  []string
		used   int
	)
	for _, cand := range selected {
		text := cand.Entity.CanonicalText()
		sep := 0
		if len(parts) > 0 {
			sep = len(chunkSeparator)
		}

		truncated := false
		if used+sep+len(text) > a.budget {
			if len(parts) > 0 {
				continue
			}
			// Nothing packed yet: cut the best chunk down to fit.
			text = truncate(text, a.budget)
			truncated = true
			if text == "" {
				break
			}
		}

		parts = append(parts, text)
		used += sep + len(text)
		chunks = append(chunks, Chunk{
			Ref:         cand.Entity.Ref(),
			ContentHash: cand.Entity.ContentHash,
			Score:       cand.Score,
			Text:        text,
			Truncated:   truncated,
		})
	}

	text := strings.Join(parts, chunkSeparator)
	return Context{
		Text:           text,
		Chunks:         chunks,
		EstimatedToken: estimateTokens(text),
	}
}

// rank dedups, orders, and applies the diversity cap.
func (a *Assembler) rank(candidates []Candidate) []Candidate {
	best := map[entity.Ref]Candidate{}
	for _, cand := range candidates {
		ref := cand.Entity.Ref()
		if prev, ok := best[ref]; !ok || cand.Score > prev.Score {
			best[ref] = cand
		}
	}

	ordered := make([]Candidate, 0, len(best))
	for _, cand := range best {
		ordered = append(ordered, cand)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		ri, rj := ordered[i].Entity.Ref(), ordered[j].Entity.Ref()
		if ri.Kind != rj.Kind {
			return ri.Kind < rj.Kind
		}
		return ri.ExternalID < rj.ExternalID
	})

	if a.maxPerKind <= 0 {
		return ordered
	}
	perKind := map[entity.Kind]int{}
	capped := ordered[:0]
	for _, cand := range ordered {
		if perKind[cand.Entity.Kind] >= a.maxPerKind {
			continue
		}
		perKind[cand.Entity.Kind]++
		capped = append(capped, cand)
	}
	return capped
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// estimateTokens approximates the token cost of text. Four characters
// per token is close enough for budget accounting.
func estimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
