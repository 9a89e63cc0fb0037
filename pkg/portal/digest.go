package portal

import (
	"fmt"
	"strings"
	"time"

	"github.com/gitguard-io/gitguard/pkg/event"
	"github.com/gitguard-io/gitguard/pkg/graph"
	"github.com/gitguard-io/gitguard/pkg/policy"
	"github.com/gitguard-io/gitguard/pkg/risk"
)

// MermaidNodeCap bounds the rendered relationship diagram.
const MermaidNodeCap = 20

// DigestInput carries everything one PR digest page needs.
type DigestInput struct {
	Event       event.Event
	Facts       event.ChangeFacts
	Score       risk.Score
	Decision    policy.Decision
	Graph       graph.Subgraph
	PublishedAt time.Time
	// OmitDiagram skips the Mermaid relationship diagram.
	OmitDiagram bool
	// OmitReceipts skips the per-rule receipt section. Deny messages
	// still render; only the rule source and input transparency goes.
	OmitReceipts bool
}

// RenderDigest renders the markdown digest for one change. Rendering is
// deterministic: factor order, receipt order, and graph order are all
// fixed, so republishing identical inputs yields identical bytes.
func RenderDigest(in DigestInput) string {
	var b strings.Builder
	e := in.Event

	fmt.Fprintf(&b, "# %s — %s\n\n", e.Key(), e.Title)
	fmt.Fprintf(&b, "_Published %s · actor %s · %s/%s_\n\n",
		in.PublishedAt.UTC().Format(time.RFC3339), e.Actor, string(in.Facts.ChangeType), string(in.Facts.SizeCategory))

	if in.Decision.Allow {
		b.WriteString("**Decision: allow** — auto-merge candidate\n\n")
	} else {
		b.WriteString("**Decision: deny**\n\n")
		for _, d := range in.Decision.Denies {
			fmt.Fprintf(&b, "- `%s`: %s\n", d.Rule, d.Msg)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Risk %.3f\n\n", in.Score.Value)
	b.WriteString("| Factor | Contribution |\n|---|---:|\n")
	for _, factor := range risk.FactorOrder {
		fmt.Fprintf(&b, "| %s | %+.3f |\n", factor, in.Score.Breakdown[factor])
	}
	b.WriteString("\n")

	if !in.OmitReceipts {
		renderReceipts(&b, in.Decision.Receipts)
	}

	if len(in.Graph.Nodes) > 0 && !in.OmitDiagram {
		b.WriteString("## Relationships\n\n")
		b.WriteString(renderMermaid(in.Graph))
		b.WriteString("\n")
	}

	if len(e.Files) > 0 {
		b.WriteString("## Files\n\n")
		for _, f := range e.Files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		if e.TruncatedFiles {
			b.WriteString("- …file list truncated\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

func renderReceipts(b *strings.Builder, receipts []policy.Receipt) {
	b.WriteString("## Policy receipts\n\n")
	for _, r := range receipts {
		fired := "not fired"
		if r.Fired {
			fired = "fired"
		}
		fmt.Fprintf(b, "<details>\n<summary><code>%s</code> — %s</summary>\n\n", r.RuleName, fired)
		fmt.Fprintf(b, "- source: `%s`\n", r.SourceSnippet)
		if len(r.InputsUsed) > 0 {
			fmt.Fprintf(b, "- inputs used: `%s`\n", strings.Join(r.InputsUsed, "`, `"))
		}
		b.WriteString("\n</details>\n\n")
	}
}

// renderMermaid draws the subgraph as a flowchart, capped at
// MermaidNodeCap nodes in traversal order.
func renderMermaid(sub graph.Subgraph) string {
	var b strings.Builder
	b.WriteString("```mermaid\ngraph TD\n")

	shown := map[graph.NodeRef]bool{}
	for i, n := range sub.Nodes {
		if i >= MermaidNodeCap {
			break
		}
		shown[n.Ref] = true
		fmt.Fprintf(&b, "  %s[\"%s %s\"]\n", mermaidID(n.Ref), n.Ref.Type, mermaidLabel(n.Ref.Key))
	}
	for _, e := range sub.Edges {
		if !shown[e.Src] || !shown[e.Dst] {
			continue
		}
		fmt.Fprintf(&b, "  %s -->|%s| %s\n", mermaidID(e.Src), e.Rel, mermaidID(e.Dst))
	}
	b.WriteString("```\n")

	if sub.Truncated || len(sub.Nodes) > MermaidNodeCap {
		b.WriteString("\n_Diagram truncated._\n")
	}
	return b.String()
}

func mermaidID(ref graph.NodeRef) string {
	id := ref.Type + "_" + ref.Key
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func mermaidLabel(s string) string {
	return strings.NewReplacer(`"`, "'", "[", "(", "]", ")").Replace(s)
}
