// Package ingestion turns crawled knowledge base pages into the vector and
// metadata artifacts the query service loads.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/chattax/chattax/internal/index"
)

// Document is one crawled page awaiting chunking.
type Document struct {
	DocID             string `json:"doc_id"`
	SourceURL         string `json:"source_url"`
	Title             string `json:"title"`
	Text              string `json:"text"`
	Provenance        string `json:"provenance"`
	CrawlDate         string `json:"crawl_date"`
	LastUpdatedOnPage string `json:"last_updated_on_page,omitempty"`
}

// ChunkerConfig bounds chunk sizes in words. Word count approximates token
// count closely enough for retrieval-sized passages.
type ChunkerConfig struct {
	// TargetWords is the preferred chunk size (default 120).
	TargetWords int

	// MaxWords is the hard per-chunk limit (default 240).
	MaxWords int

	// OverlapWords carries trailing context into the next chunk (default 20).
	OverlapWords int
}

// Chunker splits documents into section-aware passages.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker creates a Chunker, applying defaults for zero fields.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.TargetWords <= 0 {
		cfg.TargetWords = 120
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 240
	}
	if cfg.OverlapWords < 0 {
		cfg.OverlapWords = 0
	}
	return &Chunker{cfg: cfg}
}

var (
	headingPattern  = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	tableRowPattern = regexp.MustCompile(`(?m)^\|.+\|$`)
)

// Split chunks one document into metadata rows. The heading in effect when a
// passage starts becomes its section heading; markdown tables are emitted as
// single table-summary chunks so rate tables survive retrieval whole.
func (c *Chunker) Split(doc Document) []index.Chunk {
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return nil
	}

	var chunks []index.Chunk
	heading := doc.Title
	var pending []string
	pendingWords := 0

	flush := func() {
		if pendingWords == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(pending, " "))
		chunks = append(chunks, c.newChunk(doc, len(chunks), heading, content, false, ""))

		if c.cfg.OverlapWords > 0 {
			pending, pendingWords = tailWords(pending, c.cfg.OverlapWords)
		} else {
			pending = nil
			pendingWords = 0
		}
	}

	for _, block := range splitBlocks(text) {
		if m := headingPattern.FindStringSubmatch(block); m != nil {
			flush()
			pending = nil
			pendingWords = 0
			heading = strings.TrimSpace(m[2])
			continue
		}

		if tableRowPattern.MatchString(block) {
			flush()
			pending = nil
			pendingWords = 0
			ref := fmt.Sprintf("%s_table_%d", doc.DocID, len(chunks))
			summary := summarizeTable(block, heading)
			chunks = append(chunks, c.newChunk(doc, len(chunks), heading, summary, true, ref))
			continue
		}

		for _, sentence := range splitSentences(block) {
			words := len(strings.Fields(sentence))
			if pendingWords+words > c.cfg.MaxWords && pendingWords > 0 {
				flush()
			}
			pending = append(pending, sentence)
			pendingWords += words
			if pendingWords >= c.cfg.TargetWords {
				flush()
			}
		}
	}
	flush()

	return chunks
}

func (c *Chunker) newChunk(doc Document, n int, heading, text string, isTable bool, tableRef string) index.Chunk {
	return index.Chunk{
		ChunkID:           fmt.Sprintf("%s_%04d", doc.DocID, n),
		DocID:             doc.DocID,
		SourceURL:         doc.SourceURL,
		SectionHeading:    heading,
		Text:              text,
		TokensEst:         estimateTokens(text),
		IsTableSummary:    isTable,
		TableRef:          tableRef,
		Provenance:        doc.Provenance,
		CrawlDate:         doc.CrawlDate,
		LastUpdatedOnPage: doc.LastUpdatedOnPage,
	}
}

// tailWords returns the trailing sentences of pending whose combined word
// count fits within maxWords, along with that word count.
func tailWords(pending []string, maxWords int) ([]string, int) {
	total := 0
	i := len(pending)
	for i > 0 {
		words := len(strings.Fields(pending[i-1]))
		if total+words > maxWords {
			break
		}
		total += words
		i--
	}
	if i == len(pending) {
		return nil, 0
	}
	return append([]string(nil), pending[i:]...), total
}

// splitBlocks separates text on blank lines, keeping table rows together.
func splitBlocks(text string) []string {
	raw := regexp.MustCompile(`\n\s*\n`).Split(text, -1)
	blocks := make([]string, 0, len(raw))
	for _, b := range raw {
		b = strings.TrimSpace(b)
		if b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// summarizeTable renders a markdown table as prose-ish text: the heading
// context plus each data row as "col: value" pairs. Embeddings handle this
// far better than pipe syntax.
func summarizeTable(table, heading string) string {
	lines := strings.Split(table, "\n")
	var header []string
	var rows []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitTableRow(line)
		if len(cells) == 0 {
			continue
		}
		if isSeparatorRow(cells) {
			continue
		}
		if header == nil {
			header = cells
			continue
		}
		pairs := make([]string, 0, len(cells))
		for i, cell := range cells {
			if i < len(header) && header[i] != "" {
				pairs = append(pairs, header[i]+": "+cell)
			} else {
				pairs = append(pairs, cell)
			}
		}
		rows = append(rows, strings.Join(pairs, ", "))
	}

	var sb strings.Builder
	if heading != "" {
		sb.WriteString("Table: ")
		sb.WriteString(heading)
		sb.WriteString(". ")
	}
	sb.WriteString(strings.Join(rows, ". "))
	return strings.TrimSpace(sb.String())
}

func splitTableRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// splitSentences splits on . ! ? boundaries, skipping common abbreviations.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(current.String())
		if sentence != "" && !endsWithAbbreviation(sentence) {
			sentences = append(sentences, sentence)
			current.Reset()
		}
	}

	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.",
	"no.", "vol.", "pty.", "ltd.", "inc.",
	"etc.", "e.g.", "i.e.", "vs.",
	"s.", "div.", "sch.", // legislation references
}

func endsWithAbbreviation(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(fields[len(fields)-1])
	for _, abbr := range abbreviations {
		if last == abbr {
			return true
		}
	}
	return false
}

// estimateTokens approximates token count from word count. Subword
// tokenizers average roughly 1.3 tokens per English word.
func estimateTokens(text string) int {
	return len(strings.Fields(text)) * 4 / 3
}

// HashContent fingerprints a document body, used to skip unchanged pages on
// rebuild.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
