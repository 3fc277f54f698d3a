package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write persists a vector/metadata pair in the artifact format Load expects.
// len(vectors) must be a multiple of dimension and match len(rows). Both
// files are written to temp paths and renamed, so a crashed build never
// leaves a partial artifact behind.
func Write(vectorsPath, metadataPath string, dimension int, vectors []float32, rows []Chunk) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	if len(vectors)%dimension != 0 {
		return fmt.Errorf("vector data length %d is not a multiple of dimension %d", len(vectors), dimension)
	}
	count := len(vectors) / dimension
	if count != len(rows) {
		return fmt.Errorf("%w: %d vectors, %d metadata rows", ErrInconsistent, count, len(rows))
	}

	for _, p := range []string{vectorsPath, metadataPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating artifact directory: %w", err)
			}
		}
	}

	if err := writeVectorFile(vectorsPath, dimension, count, vectors); err != nil {
		return err
	}
	return writeMetadataFile(metadataPath, rows)
}

func writeVectorFile(path string, dimension, count int, vectors []float32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating vector file: %w", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(Magic); err != nil {
		f.Close()
		return fmt.Errorf("writing vector file: %w", err)
	}
	header := struct {
		Dimension uint32
		Count     uint32
	}{uint32(dimension), uint32(count)}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		f.Close()
		return fmt.Errorf("writing vector file: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, vectors); err != nil {
		f.Close()
		return fmt.Errorf("writing vectors: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing vectors: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing vector file: %w", err)
	}

	return rename(tmp, path)
}

func writeMetadataFile(path string, rows []Chunk) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating metadata file: %w", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			f.Close()
			return fmt.Errorf("writing metadata row %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing metadata file: %w", err)
	}

	return rename(tmp, path)
}

func rename(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("installing artifact: %w", err)
	}
	return nil
}
