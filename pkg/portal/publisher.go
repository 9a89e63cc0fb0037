package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gitguard-io/gitguard/pkg/redact"
)

// Publisher renders and writes portal pages. Every page passes through
// the redactor immediately before the sink write, so nothing upstream
// can leak a secret onto the portal.
type Publisher struct {
	sink     Sink
	redactor *redact.Redactor
	logger   *slog.Logger

	noDiagrams bool
	noReceipts bool
	store      Catalog

	mu      sync.Mutex
	catalog map[string]CatalogEntry
}

func NewPublisher(sink Sink, redactor *redact.Redactor, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:     sink,
		redactor: redactor,
		logger:   logger.With("component", "portal"),
		catalog:  map[string]CatalogEntry{},
	}
}

// WithDiagrams toggles Mermaid relationship diagrams on digest pages.
func (p *Publisher) WithDiagrams(enabled bool) *Publisher {
	p.noDiagrams = !enabled
	return p
}

// WithTransparency toggles the per-rule receipt sections on digest
// pages. Deny messages always render.
func (p *Publisher) WithTransparency(enabled bool) *Publisher {
	p.noReceipts = !enabled
	return p
}

// WithCatalog attaches a persistent page catalog and hydrates the
// in-memory view from it, so a restarted publisher keeps indexing and
// compacting the pages it inherited.
func (p *Publisher) WithCatalog(ctx context.Context, store Catalog) error {
	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.store = store
	for _, entry := range entries {
		p.catalog[entry.PageKey] = entry
	}
	p.mu.Unlock()
	p.logger.Info("page catalog attached", "pages", len(entries))
	return nil
}

// PublishDigest writes the digest page for one change and refreshes the
// site index. Returns the page path. Re-publishing the same key
// overwrites in place, so replays converge.
func (p *Publisher) PublishDigest(ctx context.Context, in DigestInput) (string, error) {
	if p.noDiagrams {
		in.OmitDiagram = true
	}
	if p.noReceipts {
		in.OmitReceipts = true
	}
	pagePath := DigestPath(in)
	if err := p.publishPage(ctx, pagePath, RenderDigest(in), in.PublishedAt, in.Event.Key()); err != nil {
		return "", err
	}
	p.logger.Info("digest published", "page", pagePath, "key", in.Event.Key())
	return pagePath, nil
}

// DigestPath maps an event to its page path.
func DigestPath(in DigestInput) string {
	e := in.Event
	switch {
	case e.Number > 0:
		return fmt.Sprintf("pr/%s/%s/%d.md", e.Repo.Owner, e.Repo.Name, e.Number)
	case e.Tag != "":
		return fmt.Sprintf("release/%s/%s/%s.md", e.Repo.Owner, e.Repo.Name, e.Tag)
	default:
		return fmt.Sprintf("push/%s/%s/%s.md", e.Repo.Owner, e.Repo.Name, sanitizeRef(e.Ref))
	}
}

func sanitizeRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return strings.ReplaceAll(ref, "/", "-")
}

// PublishOwners writes the ownership index: one section per owner with
// its files, sorted for stable output.
func (p *Publisher) PublishOwners(ctx context.Context, byOwner map[string][]string, now time.Time) error {
	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var b strings.Builder
	b.WriteString("# Ownership\n\n")
	fmt.Fprintf(&b, "_Updated %s_\n\n", now.UTC().Format(time.RFC3339))
	for _, owner := range owners {
		fmt.Fprintf(&b, "## %s\n\n", owner)
		for _, f := range byOwner[owner] {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	if err := p.publishPage(ctx, "owners/index.md", b.String(), now, "owners"); err != nil {
		return err
	}
	p.logger.Info("owners page published", "owners", len(owners))
	return nil
}

// Compact removes pages generated before the cutoff from the catalog,
// the sink, and the site index. Returns how many pages went.
func (p *Publisher) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	p.mu.Lock()
	var stale []CatalogEntry
	for _, entry := range p.catalog {
		if entry.GeneratedAt.Before(olderThan) {
			stale = append(stale, entry)
		}
	}
	p.mu.Unlock()
	if len(stale) == 0 {
		return 0, nil
	}

	deleter, _ := p.sink.(Deleter)
	var removed int64
	for _, entry := range stale {
		if deleter != nil {
			if err := deleter.Delete(ctx, entry.PageKey); err != nil {
				p.logger.Warn("page delete failed", "page", entry.PageKey, "error", err)
				continue
			}
		}
		if p.store != nil {
			if err := p.store.Delete(ctx, entry.PageKey); err != nil {
				p.logger.Warn("catalog delete failed", "page", entry.PageKey, "error", err)
			}
		}
		p.mu.Lock()
		delete(p.catalog, entry.PageKey)
		p.mu.Unlock()
		removed++
	}

	p.mu.Lock()
	index := p.renderIndexLocked()
	p.mu.Unlock()
	if err := p.sink.Put(ctx, "index.md", []byte(index)); err != nil {
		return removed, fmt.Errorf("portal: publish index: %w", err)
	}
	return removed, nil
}

// publishPage redacts, writes the page, records it in the catalog, and
// rewrites the site index.
func (p *Publisher) publishPage(ctx context.Context, pagePath, content string, now time.Time, sampleID string) error {
	if p.redactor != nil {
		content = p.redactor.Redact(content)
	}
	if err := p.sink.Put(ctx, pagePath, []byte(content)); err != nil {
		return fmt.Errorf("portal: publish %s: %w", pagePath, err)
	}

	entry := CatalogEntry{PageKey: pagePath, GeneratedAt: now, SampleID: sampleID}
	p.mu.Lock()
	p.catalog[pagePath] = entry
	index := p.renderIndexLocked()
	store := p.store
	p.mu.Unlock()

	if store != nil {
		if err := store.Record(ctx, entry); err != nil {
			p.logger.Warn("catalog record failed", "page", pagePath, "error", err)
		}
	}

	if err := p.sink.Put(ctx, "index.md", []byte(index)); err != nil {
		return fmt.Errorf("portal: publish index: %w", err)
	}
	return nil
}

func (p *Publisher) renderIndexLocked() string {
	paths := make([]string, 0, len(p.catalog))
	for pagePath := range p.catalog {
		paths = append(paths, pagePath)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString("# Portal\n\n")
	for _, pagePath := range paths {
		fmt.Fprintf(&b, "- [%s](%s) — %s\n",
			pagePath, pagePath, p.catalog[pagePath].GeneratedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Pages returns the catalog of published pages.
func (p *Publisher) Pages() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.catalog))
	for k, entry := range p.catalog {
		out[k] = entry.GeneratedAt
	}
	return out
}
