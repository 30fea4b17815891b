//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=../mocks/mock_directory.go -package=mocks
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/samber/lo"

	"github.com/lancon/relay/internal/securelog"
	"github.com/lancon/relay/internal/user"
)

const (
	nameField       = "name"
	idField         = "_id"
	minFuzzyRunes   = 3
	defaultInterval = 30 * time.Second
)

var ErrClosed = errors.New("directory closed")

// Source lists every username that should be searchable.
type Source interface {
	Usernames(ctx context.Context) ([]user.Identity, error)
}

// Directory is an in-memory search index over usernames. It answers existence
// queries only; presence is the registry's business.
type Directory struct {
	source   Source
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	writer  *bluge.Writer
	indexed map[user.Identity]struct{}
	// fresh holds names added since the running refresh listed the source;
	// that listing may predate them, so the refresh must not remove them.
	fresh map[user.Identity]struct{}
}

func New(source Source, interval time.Duration, log *slog.Logger) (*Directory, error) {
	if source == nil {
		return nil, errors.New("directory source is required")
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Directory{
		source:   source,
		interval: interval,
		log:      log.With("component", "directory"),
		writer:   writer,
		indexed:  make(map[user.Identity]struct{}),
		fresh:    make(map[user.Identity]struct{}),
	}, nil
}

// Refresh brings the index in line with the source: new usernames are added
// and vanished ones removed.
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	clear(d.fresh)
	d.mu.Unlock()

	names, err := d.source.Usernames(ctx)
	if err != nil {
		return fmt.Errorf("list usernames: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return ErrClosed
	}

	current := lo.Keys(d.indexed)
	removed, added := lo.Difference(current, lo.Uniq(lo.Compact(names)))
	removed = lo.Reject(removed, func(name user.Identity, _ int) bool {
		_, ok := d.fresh[name]
		return ok
	})
	if len(removed) == 0 && len(added) == 0 {
		return nil
	}

	batch := bluge.NewBatch()
	for _, name := range added {
		doc := nameDocument(name)
		batch.Update(doc.ID(), doc)
	}
	for _, name := range removed {
		batch.Delete(bluge.Identifier(name))
	}
	if err := d.writer.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}

	for _, name := range added {
		d.indexed[name] = struct{}{}
	}
	for _, name := range removed {
		delete(d.indexed, name)
	}
	d.log.Debug("directory refreshed", "added", len(added), "removed", len(removed), "total", len(d.indexed))
	return nil
}

// Add indexes one username without waiting for the next refresh.
func (d *Directory) Add(ctx context.Context, name user.Identity) error {
	if name == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return ErrClosed
	}
	d.fresh[name] = struct{}{}
	if _, ok := d.indexed[name]; ok {
		return nil
	}
	doc := nameDocument(name)
	if err := d.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	d.indexed[name] = struct{}{}
	return nil
}

func nameDocument(name user.Identity) *bluge.Document {
	return bluge.NewDocument(string(name)).
		AddField(bluge.NewKeywordField(nameField, strings.ToLower(string(name))))
}

// Search returns usernames whose lowercased form starts with query or is one
// edit away from it, sorted and capped at limit. An empty query lists every
// username.
func (d *Directory) Search(ctx context.Context, query string, limit int) ([]user.Identity, error) {
	if limit <= 0 {
		return []user.Identity{}, nil
	}

	d.mu.Lock()
	if d.writer == nil {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	reader, err := d.writer.Reader()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	defer reader.Close()

	req := bluge.NewTopNSearch(limit, buildQuery(query)).SortBy([]string{idField})
	matches, err := reader.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var out []user.Identity
	match, err := matches.Next()
	for err == nil && match != nil {
		verr := match.VisitStoredFields(func(field string, value []byte) bool {
			if field == idField {
				out = append(out, user.Identity(value))
				return false
			}
			return true
		})
		if verr != nil {
			return nil, fmt.Errorf("read match: %w", verr)
		}
		match, err = matches.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}

	out = lo.Uniq(out)
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func buildQuery(raw string) bluge.Query {
	term := strings.ToLower(strings.TrimSpace(raw))
	if term == "" {
		return bluge.NewMatchAllQuery()
	}
	q := bluge.NewBooleanQuery().
		AddShould(bluge.NewPrefixQuery(term).SetField(nameField)).
		SetMinShould(1)
	if len([]rune(term)) >= minFuzzyRunes {
		q.AddShould(bluge.NewFuzzyQuery(term).SetField(nameField).SetFuzziness(1))
	}
	return q
}

// Run refreshes immediately and then on every tick until ctx ends.
func (d *Directory) Run(ctx context.Context) {
	if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
		securelog.Warn(d.log, "directory refresh", err)
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
				securelog.Warn(d.log, "directory refresh", err)
			}
		}
	}
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.indexed)
}

func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return nil
	}
	err := d.writer.Close()
	d.writer = nil
	return err
}
