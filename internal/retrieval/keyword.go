package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Chunking parameters for KeywordIndex, in runes.
const (
	ChunkSize    = 500
	ChunkOverlap = 50
)

var indexedExt = map[string]bool{".md": true, ".txt": true, ".markdown": true}

type chunk struct {
	text   string
	source string
	vec    map[string]float64 // L2-normalised tf-idf
}

type snapshot struct {
	chunks []chunk
	idf    map[string]float64
}

// KeywordIndex is a TF-IDF retriever over a directory of text documents,
// meant for development and offline use when no vector database is around.
type KeywordIndex struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	snap *snapshot

	group    singleflight.Group
	debounce time.Duration
}

// KeywordOption configures a KeywordIndex.
type KeywordOption func(*KeywordIndex)

// WithKeywordLogger sets the logger used for rebuild diagnostics.
func WithKeywordLogger(l *slog.Logger) KeywordOption {
	return func(k *KeywordIndex) { k.logger = l }
}

// WithDebounce sets how long Watch waits for filesystem events to settle.
func WithDebounce(d time.Duration) KeywordOption {
	return func(k *KeywordIndex) { k.debounce = d }
}

// NewKeywordIndex builds an index over dir.
func NewKeywordIndex(dir string, opts ...KeywordOption) (*KeywordIndex, error) {
	k := &KeywordIndex{dir: dir, logger: slog.Default(), debounce: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(k)
	}
	if err := k.Rebuild(); err != nil {
		return nil, err
	}
	return k, nil
}

// Len returns the number of indexed chunks.
func (k *KeywordIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.snap.chunks)
}

// Rebuild rescans the directory and swaps in a fresh snapshot. Concurrent
// calls share a single scan.
func (k *KeywordIndex) Rebuild() error {
	_, err, _ := k.group.Do("rebuild", func() (interface{}, error) {
		snap, err := buildSnapshot(k.dir)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.snap = snap
		k.mu.Unlock()
		k.logger.Info("keyword index rebuilt", "dir", k.dir, "chunks", len(snap.chunks))
		return nil, nil
	})
	return err
}

// Fetch scores every chunk against query and returns the top k with a
// positive score.
func (k *KeywordIndex) Fetch(ctx context.Context, query string, limit int) ([]Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultK
	}

	k.mu.RLock()
	snap := k.snap
	k.mu.RUnlock()

	qvec := weigh(termFreq(tokenize(query)), snap.idf)
	var frags []Fragment
	for _, c := range snap.chunks {
		score := dot(qvec, c.vec)
		if score <= 0 {
			continue
		}
		frags = append(frags, Fragment{Text: c.text, Source: c.source, Score: score})
	}
	sortFragments(frags)
	if len(frags) > limit {
		frags = frags[:limit]
	}
	return frags, nil
}

// Watch rebuilds the index when files under the directory change. It blocks
// until ctx is cancelled.
func (k *KeywordIndex) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	err = filepath.WalkDir(k.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", k.dir, err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if !relevant(ev.Name) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(k.debounce)
			} else {
				timer.Reset(k.debounce)
			}
			pending = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			k.logger.Warn("keyword index watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := k.Rebuild(); err != nil {
				k.logger.Error("keyword index rebuild failed", "dir", k.dir, "error", err)
			}
		}
	}
}

func relevant(name string) bool {
	return indexedExt[strings.ToLower(filepath.Ext(name))]
}

func buildSnapshot(dir string) (*snapshot, error) {
	var raw []chunk
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !relevant(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		for _, text := range splitChunks(string(data), ChunkSize, ChunkOverlap) {
			raw = append(raw, chunk{text: text, source: filepath.ToSlash(rel)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", dir, err)
	}

	tfs := make([]map[string]float64, len(raw))
	df := make(map[string]int)
	for i, c := range raw {
		tfs[i] = termFreq(tokenize(c.text))
		for term := range tfs[i] {
			df[term]++
		}
	}
	n := float64(len(raw))
	idf := make(map[string]float64, len(df))
	for term, d := range df {
		idf[term] = math.Log((n+1)/(float64(d)+1)) + 1
	}
	for i := range raw {
		raw[i].vec = weigh(tfs[i], idf)
	}
	return &snapshot{chunks: raw, idf: idf}, nil
}

// splitChunks cuts text into windows of size runes overlapping by overlap.
func splitChunks(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func termFreq(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// weigh applies idf and L2-normalises. Terms unknown to the index are dropped.
func weigh(tf map[string]float64, idf map[string]float64) map[string]float64 {
	vec := make(map[string]float64, len(tf))
	var norm float64
	for term, f := range tf {
		w, ok := idf[term]
		if !ok {
			continue
		}
		v := f * w
		vec[term] = v
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for term := range vec {
		vec[term] /= norm
	}
	return vec
}

func dot(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var s float64
	for term, v := range a {
		s += v * b[term]
	}
	return s
}

var stopwords = map[string]bool{
	"the": true, "and": true, "of": true, "to": true, "in": true, "is": true,
	"are": true, "for": true, "on": true, "with": true, "as": true, "by": true,
	"an": true, "be": true, "or": true, "it": true, "this": true, "that": true,
	"what": true, "which": true, "who": true, "how": true, "at": true, "from": true,
	"can": true, "do": true, "does": true, "my": true, "your": true, "me": true,
}
