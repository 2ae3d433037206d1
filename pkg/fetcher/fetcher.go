// Package fetcher implements the Context Fetcher (spec §4.2): given a PI,
// assemble a best-effort bundle of its previous PINAX record, text
// components, OCR sidecars, and children's PINAX records, then truncate the
// bundle to fit the model's token budget.
//
// Grounded on pkg/agent/context/investigation_formatter.go's "aggregate
// several typed sources into one ordered bundle, skip-and-log on a
// per-source failure" idiom, fanned out concurrently the way
// pkg/queue/executor.go launches per-item work.
package fetcher

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/truncate"
)

// reservedNames are component labels that are never treated as generic
// text components. pinax.json is handled by its own dedicated fetch step;
// cheimarros.json and description.md are never surfaced to the extractor.
var reservedNames = map[string]bool{
	"pinax.json":        true,
	"cheimarros.json":   true,
	"description.md":    true,
}

// textExtensions lists the component suffixes treated as text content
// (spec §4.2), matched case-insensitively.
var textExtensions = []string{
	".txt", ".md", ".json", ".xml", ".html", ".htm", ".csv", ".tsv",
	".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".log", ".rst",
	".tex", ".rtf", ".asc", ".nfo",
}

// ObjectStore is the subset of objectstore.Client the fetcher needs.
type ObjectStore interface {
	GetEntity(ctx context.Context, pi string) (*chunkmodel.Entity, error)
	Download(ctx context.Context, cid string) ([]byte, error)
}

// Fetcher assembles context bundles for the extractor.
type Fetcher struct {
	store ObjectStore
}

// New creates a Fetcher backed by store.
func New(store ObjectStore) *Fetcher {
	return &Fetcher{store: store}
}

// Fetch retrieves the entity snapshot for pi and assembles its context
// bundle, then truncates the result to fit target tokens (spec §4.1/§4.2).
// Individual source failures are logged and skipped — the bundle is always
// returned best-effort, never an error for partial data.
func (f *Fetcher) Fetch(ctx context.Context, pi string, target int) (*chunkmodel.ContextBundle, error) {
	log := slog.With("pi", pi)

	entity, err := f.store.GetEntity(ctx, pi)
	if err != nil {
		return nil, err
	}

	directoryName := entity.Label
	if directoryName == "" {
		directoryName = lastN(pi, 8)
	}

	var (
		mu    sync.Mutex
		files []chunkmodel.ContextFile
		wg    sync.WaitGroup
	)

	add := func(name, content string) {
		mu.Lock()
		files = append(files, chunkmodel.ContextFile{Name: name, Content: content})
		mu.Unlock()
	}

	var existingPinax []byte

	// (a) previous PINAX record, if present.
	if cid, ok := entity.Components["pinax.json"]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := f.store.Download(ctx, cid)
			if err != nil {
				log.Warn("failed to fetch previous pinax.json", "error", err)
				return
			}
			mu.Lock()
			existingPinax = data
			mu.Unlock()
			add("[PREVIOUS] pinax.json", string(data))
		}()
	}

	// (b) text components, (c) OCR sidecars.
	for label, cid := range entity.Components {
		label, cid := label, cid
		if label == "pinax.json" {
			continue // handled above
		}
		if strings.HasSuffix(strings.ToLower(label), ".ref.json") {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fetchComponent(ctx, f.store, log, label, cid, add)
			}()
			continue
		}
		if reservedNames[label] {
			continue
		}
		if isTextComponent(label) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fetchComponent(ctx, f.store, log, label, cid, add)
			}()
		}
	}

	// (d) children's PINAX records.
	for _, childPI := range entity.ChildrenPI {
		childPI := childPI
		wg.Add(1)
		go func() {
			defer wg.Done()
			child, err := f.store.GetEntity(ctx, childPI)
			if err != nil {
				log.Warn("failed to fetch child entity", "child_pi", childPI, "error", err)
				return
			}
			cid, ok := child.Components["pinax.json"]
			if !ok {
				log.Warn("child has no pinax.json yet", "child_pi", childPI)
				return
			}
			childLabel := child.Label
			if childLabel == "" {
				childLabel = lastN(childPI, 8)
			}
			fetchComponent(ctx, f.store, log, "child_pinax_"+childLabel+".json", cid, add)
		}()
	}

	wg.Wait()

	bundle := &chunkmodel.ContextBundle{
		DirectoryName: directoryName,
		Files:         files,
		ExistingPinax: existingPinax,
	}

	applyTruncation(bundle, target)
	return bundle, nil
}

// fetchComponent downloads one component and adds it under name, logging
// and skipping on failure.
func fetchComponent(ctx context.Context, store ObjectStore, log *slog.Logger, name, cid string, add func(name, content string)) {
	data, err := store.Download(ctx, cid)
	if err != nil {
		log.Warn("failed to fetch component", "component", name, "error", err)
		return
	}
	add(name, string(data))
}

// isTextComponent reports whether label's extension is in the text list.
func isTextComponent(label string) bool {
	lower := strings.ToLower(label)
	for _, ext := range textExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// applyTruncation runs the progressive-tax truncator over bundle.Files and
// replaces it with the (possibly truncated) rendering (spec §4.2).
func applyTruncation(bundle *chunkmodel.ContextBundle, target int) {
	items := make([]truncate.Item, len(bundle.Files))
	for i, f := range bundle.Files {
		items[i] = truncate.Item{Name: f.Name, Content: f.Content}
	}

	result := truncate.Truncate(items, target)

	out := make([]chunkmodel.ContextFile, len(result.Allocations))
	for i, a := range result.Allocations {
		out[i] = chunkmodel.ContextFile{Name: a.Name, Content: a.Content}
	}
	bundle.Files = out
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
