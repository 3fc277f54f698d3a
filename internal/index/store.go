// Package index owns the immutable vector index and its row-aligned chunk
// metadata. The two artifacts are produced offline by the ingestion pipeline:
//
//   - vectors.bin: magic "TXVEC1\n", then little-endian uint32 dimension,
//     uint32 count, then count*dimension float32 values.
//   - chunks.jsonl: one metadata row per vector, in vector order.
//
// Position i in the vector file corresponds exactly to metadata row i. A
// loaded Store is never mutated; reindexing builds a fresh Store and swaps it
// in through a Handle.
package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"
)

// Magic identifies the vector artifact format.
const Magic = "TXVEC1\n"

var (
	// ErrNotFound indicates a missing index or metadata artifact.
	ErrNotFound = errors.New("index artifact not found")

	// ErrInconsistent indicates the vector count and metadata row count
	// disagree. Raised at load, never later.
	ErrInconsistent = errors.New("index artifacts are inconsistent")
)

// Chunk is one metadata row of the knowledge base, position-aligned with its
// vector. Field names match the ingestion pipeline's chunks.jsonl.
type Chunk struct {
	ChunkID           string `json:"chunk_id"`
	DocID             string `json:"doc_id"`
	SourceURL         string `json:"source_url"`
	SectionHeading    string `json:"section_heading"`
	Text              string `json:"text"`
	TokensEst         int    `json:"tokens_est"`
	IsTableSummary    bool   `json:"is_table_summary"`
	TableRef          string `json:"table_ref,omitempty"`
	Provenance        string `json:"provenance"`
	CrawlDate         string `json:"crawl_date"`
	LastUpdatedOnPage string `json:"last_updated_on_page,omitempty"`
}

// Stats summarizes a loaded store.
type Stats struct {
	VectorCount   int    `json:"vector_count"`
	MetadataCount int    `json:"metadata_count"`
	Dimension     int    `json:"embedding_dimension"`
	UniqueDocs    int    `json:"unique_docs"`
	EarliestCrawl string `json:"earliest_crawl"`
	LatestCrawl   string `json:"latest_crawl"`
}

// Store holds the vectors and metadata in memory. Immutable after Load;
// safe for concurrent readers without locking.
type Store struct {
	dimension int
	vectors   []float32 // flat, row-major, L2-normalized at load
	rows      []Chunk
}

// Load reads and validates both artifacts. Vectors are L2-normalized at load
// so that similarity search reduces to a dot product.
func Load(vectorsPath, metadataPath string) (*Store, error) {
	dim, vectors, err := readVectors(vectorsPath)
	if err != nil {
		return nil, err
	}

	rows, err := readMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	count := 0
	if dim > 0 {
		count = len(vectors) / dim
	}
	if count != len(rows) {
		return nil, fmt.Errorf("%w: %d vectors, %d metadata rows", ErrInconsistent, count, len(rows))
	}

	for i := 0; i < count; i++ {
		normalize(vectors[i*dim : (i+1)*dim])
	}

	return &Store{
		dimension: dim,
		vectors:   vectors,
		rows:      rows,
	}, nil
}

// VectorCount returns the number of indexed vectors.
func (s *Store) VectorCount() int {
	return len(s.rows)
}

// Dimension returns the embedding dimensionality of the index.
func (s *Store) Dimension() int {
	return s.dimension
}

// Row returns the metadata row at position i.
func (s *Store) Row(i int) Chunk {
	return s.rows[i]
}

// Vector returns the normalized vector at position i. The returned slice
// aliases the store and must not be modified.
func (s *Store) Vector(i int) []float32 {
	return s.vectors[i*s.dimension : (i+1)*s.dimension]
}

// Stats computes summary statistics over the metadata table.
func (s *Store) Stats() Stats {
	docs := make(map[string]struct{}, len(s.rows))
	var earliest, latest string
	for _, row := range s.rows {
		docs[row.DocID] = struct{}{}
		if row.CrawlDate == "" {
			continue
		}
		if earliest == "" || row.CrawlDate < earliest {
			earliest = row.CrawlDate
		}
		if row.CrawlDate > latest {
			latest = row.CrawlDate
		}
	}

	return Stats{
		VectorCount:   s.VectorCount(),
		MetadataCount: len(s.rows),
		Dimension:     s.dimension,
		UniqueDocs:    len(docs),
		EarliestCrawl: earliest,
		LatestCrawl:   latest,
	}
}

func readVectors(path string) (int, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, nil, fmt.Errorf("opening vector file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, nil, fmt.Errorf("reading vector file header: %w", err)
	}
	if string(magic) != Magic {
		return 0, nil, fmt.Errorf("vector file %s: bad magic %q", path, magic)
	}

	var header struct {
		Dimension uint32
		Count     uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return 0, nil, fmt.Errorf("reading vector file header: %w", err)
	}
	if header.Dimension == 0 {
		return 0, nil, fmt.Errorf("vector file %s: zero dimension", path)
	}

	vectors := make([]float32, int(header.Dimension)*int(header.Count))
	if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
		return 0, nil, fmt.Errorf("reading vectors: %w", err)
	}

	return int(header.Dimension), vectors, nil
}

func readMetadata(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening metadata file: %w", err)
	}
	defer f.Close()

	rows := make([]Chunk, 0, 1024)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row Chunk
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("metadata line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	return rows, nil
}

// normalize scales v to unit length in place. Zero vectors are left as-is.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// Handle is a swappable reference to the current Store snapshot. Queries read
// a consistent snapshot; Swap installs a freshly loaded store atomically so
// in-flight reads against the old snapshot finish unaffected.
type Handle struct {
	current atomic.Pointer[Store]
}

// NewHandle wraps an initial store.
func NewHandle(s *Store) *Handle {
	h := &Handle{}
	h.current.Store(s)
	return h
}

// Snapshot returns the current store.
func (h *Handle) Snapshot() *Store {
	return h.current.Load()
}

// Swap loads fresh artifacts and atomically replaces the current snapshot.
// On load failure the previous snapshot stays in place.
func (h *Handle) Swap(vectorsPath, metadataPath string) error {
	s, err := Load(vectorsPath, metadataPath)
	if err != nil {
		return err
	}
	h.current.Store(s)
	return nil
}
