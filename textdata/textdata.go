// Package textdata loads labelled text classification datasets split into train, test etc. sets.
package textdata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jnb666/demos/fetch"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

// ErrSplitNotFound is returned if there are no files for the requested split.
var ErrSplitNotFound = errors.New("split not found")

// Supported file extensions in order of preference
var Extensions = []string{".jsonl", ".json", ".csv", ".parquet"}

// Row is one labelled example.
type Row struct {
	Text  string
	Label int
}

// Split is the set of rows for one named split such as train or test.
type Split struct {
	Name  string
	Files []string
	Rows  []Row
}

func (s *Split) Len() int { return len(s.Rows) }

// Shuffled returns the rows in a random order.
func (s *Split) Shuffled(rng *rand.Rand) []Row {
	rows := make([]Row, len(s.Rows))
	for i, j := range rng.Perm(len(s.Rows)) {
		rows[i] = s.Rows[j]
	}
	return rows
}

// Source is a local directory or a hub dataset id which is fetched into CacheDir on first use.
type Source struct {
	Path     string
	CacheDir string
	Token    string
	Revision string
	Log      *zap.SugaredLogger
	mu       sync.Mutex
	dir      string
}

// NewSource returns a new dataset source.
func NewSource(path, cacheDir string, log *zap.SugaredLogger) *Source {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Source{Path: path, CacheDir: cacheDir, Log: log}
}

// Dir returns the local directory holding the data, downloading a hub snapshot if needed.
func (s *Source) Dir(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		return s.dir, nil
	}
	if st, err := os.Stat(s.Path); err == nil {
		if !st.IsDir() {
			return "", fmt.Errorf("data path %s is not a directory", s.Path)
		}
		s.dir = s.Path
		return s.dir, nil
	}
	if s.CacheDir == "" {
		return "", fmt.Errorf("data path %s not found and no cache directory set", s.Path)
	}
	snap := fetch.Snapshot{Repo: s.Path, Revision: s.Revision, IsDataset: true, Token: s.Token}
	dir, err := snap.Download(ctx, filepath.Join(s.CacheDir, "datasets"), fetch.Options{Log: s.Log})
	if err != nil {
		return "", fmt.Errorf("fetching dataset %s: %w", s.Path, err)
	}
	s.dir = dir
	return s.dir, nil
}

// Load reads all of the rows for the named split.
func (s *Source) Load(ctx context.Context, split string) (*Split, error) {
	if split == "" || strings.ContainsAny(split, `/\`) || strings.HasPrefix(split, ".") {
		return nil, fmt.Errorf("%w: %q", ErrSplitNotFound, split)
	}
	dir, err := s.Dir(ctx)
	if err != nil {
		return nil, err
	}
	files, err := FindSplit(dir, split)
	if err != nil {
		return nil, err
	}
	sp := &Split{Name: split, Files: files}
	for _, file := range files {
		rows, err := ReadFile(file)
		if err != nil {
			return nil, err
		}
		sp.Rows = append(sp.Rows, rows...)
	}
	s.Log.Debugw("loaded split", "split", split, "files", len(files), "rows", len(sp.Rows))
	return sp, nil
}

// FindSplit returns the files for the split. Files are searched for in dir, dir/data and any
// subdirectory of dir, named either <split>.<ext> or <split>-*.<ext>. Only the first extension in
// the Extensions list with a match is used.
func FindSplit(dir, split string) ([]string, error) {
	dirs := []string{dir, filepath.Join(dir, "data")}
	if sub, err := filepath.Glob(filepath.Join(dir, "*")); err == nil {
		for _, d := range sub {
			if st, err := os.Stat(d); err == nil && st.IsDir() && filepath.Base(d) != "data" {
				dirs = append(dirs, d)
			}
		}
	}
	for _, ext := range Extensions {
		var files []string
		for _, d := range dirs {
			for _, pattern := range []string{split + ext, split + "-*" + ext} {
				match, err := filepath.Glob(filepath.Join(d, pattern))
				if err != nil {
					return nil, err
				}
				files = append(files, match...)
			}
		}
		if len(files) > 0 {
			sort.Strings(files)
			return files, nil
		}
	}
	return nil, fmt.Errorf("%w: %q under %s", ErrSplitNotFound, split, dir)
}

// ReadFile decodes rows from a json, jsonl, csv or parquet file.
func ReadFile(file string) ([]Row, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rows []Row
	switch strings.ToLower(filepath.Ext(file)) {
	case ".csv":
		rows, err = readCSV(f)
	case ".parquet":
		rows, err = readParquet(f)
	default:
		rows, err = readJSON(f)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", file, err)
	}
	return rows, nil
}

type jsonRow struct {
	Text  *string         `json:"text"`
	Label json.RawMessage `json:"label"`
}

// a json array of objects or a stream of objects, one per line for jsonl
func readJSON(r io.Reader) ([]Row, error) {
	br := bufio.NewReader(r)
	dec := json.NewDecoder(br)
	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	var rows []Row
	add := func(jr jsonRow) error {
		if jr.Text == nil {
			return fmt.Errorf("row %d: missing text field", len(rows)+1)
		}
		label, err := parseLabel(jr.Label)
		if err != nil {
			return fmt.Errorf("row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, Row{Text: *jr.Text, Label: label})
		return nil
	}
	if first == '[' {
		var list []jsonRow
		if err := dec.Decode(&list); err != nil {
			return nil, err
		}
		for _, jr := range list {
			if err := add(jr); err != nil {
				return nil, err
			}
		}
		return rows, nil
	}
	for {
		var jr jsonRow
		err := dec.Decode(&jr)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if err := add(jr); err != nil {
			return nil, err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for n := 1; ; n++ {
		b, err := br.Peek(n)
		if len(b) < n {
			return 0, err
		}
		if c := b[n-1]; c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return c, nil
		}
	}
}

func readCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	textCol, labelCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "text":
			textCol = i
		case "label":
			labelCol = i
		}
	}
	if textCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("csv header must have text and label columns: got %v", header)
	}
	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		label, err := strconv.Atoi(strings.TrimSpace(rec[labelCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid label %q", len(rows)+1, rec[labelCol])
		}
		rows = append(rows, Row{Text: rec[textCol], Label: label})
	}
}

type parquetRow struct {
	Text  string `parquet:"text"`
	Label int64  `parquet:"label"`
}

// hub datasets are served as parquet with a text column and an integer class label
func readParquet(f *os.File) ([]Row, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, err
	}
	schema := pf.Schema()
	for _, col := range []string{"text", "label"} {
		if _, ok := schema.Lookup(col); !ok {
			return nil, fmt.Errorf("parquet schema must have text and label columns: got %s", schema.Name())
		}
	}
	reader := parquet.NewGenericReader[parquetRow](f)
	defer reader.Close()
	rows := make([]Row, 0, reader.NumRows())
	buf := make([]parquetRow, 256)
	for {
		n, err := reader.Read(buf)
		for _, pr := range buf[:n] {
			rows = append(rows, Row{Text: pr.Text, Label: int(pr.Label)})
		}
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// labels may be integers, integral floats or strings holding an integer
func parseLabel(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing label field")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && f == float64(int(f)) {
		return int(f), nil
	}
	return 0, fmt.Errorf("invalid label %s", raw)
}
