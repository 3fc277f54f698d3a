package service

import (
	"fmt"
	"strings"

	"github.com/chattax/chattax/internal/reranker"
)

// noPassagesContext is used when retrieval returned nothing, so the
// generation prompt never degenerates to an empty context.
const noPassagesContext = "No relevant passages were found in the knowledge base for this question."

// AssembleContext renders the final ordered results into a citation-tagged
// context string and the parallel caller-facing source records.
//
// The ordering is authoritative: passage i is labeled [Source i+1] and the
// returned sources list uses the same order, so citation markers in the
// generated answer resolve against it. maxChunkChars truncates each passage
// at a rune boundary.
func AssembleContext(results []reranker.RankedResult, maxChunkChars int) (string, []Source) {
	sources := make([]Source, 0, len(results))
	if len(results) == 0 {
		return noPassagesContext, sources
	}

	blocks := make([]string, 0, len(results))
	for i, r := range results {
		chunk := r.Chunk
		text := truncateRunes(chunk.Text, maxChunkChars)

		lastUpdated := chunk.LastUpdatedOnPage
		if lastUpdated == "" {
			lastUpdated = chunk.CrawlDate
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "[Source %d]\n", i+1)
		fmt.Fprintf(&sb, "Document: %s\n", chunk.DocID)
		fmt.Fprintf(&sb, "Section: %s\n", chunk.SectionHeading)
		fmt.Fprintf(&sb, "URL: %s\n", chunk.SourceURL)
		fmt.Fprintf(&sb, "Last Updated: %s\n", lastUpdated)
		if chunk.IsTableSummary {
			fmt.Fprintf(&sb, "Table Reference: %s\n", chunk.TableRef)
		}
		fmt.Fprintf(&sb, "\nContent:\n%s", text)
		blocks = append(blocks, sb.String())

		src := Source{
			ChunkID:           chunk.ChunkID,
			DocID:             chunk.DocID,
			SourceURL:         chunk.SourceURL,
			SectionHeading:    chunk.SectionHeading,
			Text:              text,
			TokensEst:         chunk.TokensEst,
			IsTableSummary:    chunk.IsTableSummary,
			TableRef:          chunk.TableRef,
			Provenance:        chunk.Provenance,
			CrawlDate:         chunk.CrawlDate,
			LastUpdatedOnPage: chunk.LastUpdatedOnPage,
			RelevanceScore:    round3(float64(r.Relevance)),
		}
		if r.Scored {
			score := round3(float64(r.RerankScore))
			src.RerankScore = &score
		}
		sources = append(sources, src)
	}

	return "\n\n" + strings.Join(blocks, "\n\n---\n\n"), sources
}

// truncateRunes shortens s to max runes, never splitting a multibyte
// character, appending an ellipsis when truncation happened.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
