package textdata

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "train.jsonl"), `{"text": "good film", "label": 1}
{"text": "bad film", "label": "0"}

{"text": "ok", "label": 1.0}
`)
	writeFile(t, filepath.Join(dir, "test.json"), `[{"text": "great", "label": 1}, {"text": "awful", "label": 0}]`)
	writeFile(t, filepath.Join(dir, "valid.csv"), "label,text\n1,\"nice, really\"\n0,dull\n")
	writeFile(t, filepath.Join(dir, "empty.jsonl"), "")
	src := NewSource(dir, "", nil)
	ctx := context.Background()

	train, err := src.Load(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"good film", 1}, {"bad film", 0}, {"ok", 1}}, train.Rows)

	test, err := src.Load(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"great", 1}, {"awful", 0}}, test.Rows)

	valid, err := src.Load(ctx, "valid")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"nice, really", 1}, {"dull", 0}}, valid.Rows)

	empty, err := src.Load(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	_, err = src.Load(ctx, "unsupervised")
	assert.ErrorIs(t, err, ErrSplitNotFound)
	_, err = src.Load(ctx, "../train")
	assert.ErrorIs(t, err, ErrSplitNotFound)
}

func TestShards(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "data", "test-00001-of-00002.jsonl"), `{"text": "b", "label": 0}`)
	writeFile(t, filepath.Join(dir, "data", "test-00000-of-00002.jsonl"), `{"text": "a", "label": 1}`)
	writeFile(t, filepath.Join(dir, "plain_text", "train.csv"), "text,label\nc,1\n")
	files, err := FindSplit(dir, "test")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	split, err := NewSource(dir, "", nil).Load(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"a", 1}, {"b", 0}}, split.Rows)

	split, err = NewSource(dir, "", nil).Load(context.Background(), "train")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"c", 1}}, split.Rows)
}

func TestParquet(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain_text", "test-00000-of-00001.parquet")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0755))
	require.NoError(t, parquet.WriteFile(file, []parquetRow{
		{Text: "a great film", Label: 1},
		{Text: "a dull film", Label: 0},
		{Text: "fine", Label: 1},
	}))
	type other struct {
		Sentence string `parquet:"sentence"`
		Label    int64  `parquet:"label"`
	}
	require.NoError(t, parquet.WriteFile(filepath.Join(dir, "plain_text", "bad-00000-of-00001.parquet"),
		[]other{{Sentence: "x", Label: 1}}))

	files, err := FindSplit(dir, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{file}, files)

	split, err := NewSource(dir, "", nil).Load(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"a great film", 1}, {"a dull film", 0}, {"fine", 1}}, split.Rows)

	_, err = NewSource(dir, "", nil).Load(context.Background(), "bad")
	assert.ErrorContains(t, err, "text and label")
}

func TestInvalidRows(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jsonl"), `{"text": "x"}`)
	writeFile(t, filepath.Join(dir, "b.jsonl"), `{"label": 1}`)
	writeFile(t, filepath.Join(dir, "c.jsonl"), `{"text": "x", "label": "pos"}`)
	writeFile(t, filepath.Join(dir, "d.csv"), "sentence,label\nx,1\n")
	writeFile(t, filepath.Join(dir, "e.csv"), "text,label\nx,one\n")
	for _, split := range []string{"a", "b", "c", "d", "e"} {
		_, err := NewSource(dir, "", nil).Load(context.Background(), split)
		assert.Error(t, err, split)
		assert.NotErrorIs(t, err, ErrSplitNotFound, split)
	}
}

func TestMissingSource(t *testing.T) {
	_, err := NewSource(filepath.Join(t.TempDir(), "nothing"), "", nil).Load(context.Background(), "test")
	assert.ErrorContains(t, err, "no cache directory")
}

func TestShuffled(t *testing.T) {
	split := &Split{Rows: []Row{{"a", 0}, {"b", 1}, {"c", 0}, {"d", 1}}}
	rows := split.Shuffled(rand.New(rand.NewSource(1)))
	assert.Len(t, rows, 4)
	texts := []string{}
	for _, r := range rows {
		texts = append(texts, r.Text)
	}
	sort.Strings(texts)
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts)
	assert.Equal(t, "a", split.Rows[0].Text)
}
