package modhost

import (
	"fmt"
	"strings"
)

// GraphNode is a loaded module.
type GraphNode struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// GraphEdge means "From depends on To". Range is the declared version
// range, empty for name-only dependencies.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Range    string `json:"range,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// Graph is the dependency graph of a set of modules.
type Graph struct {
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	LoadOrder []string    `json:"loadOrder"`
}

// BuildGraph returns the dependency graph of modules, which are assumed to
// be in load order. Edges to modules outside the set are kept so missing
// dependencies stay visible.
func BuildGraph(modules []Module) Graph {
	g := Graph{LoadOrder: ModuleNames(modules)}
	for _, m := range modules {
		g.Nodes = append(g.Nodes, GraphNode{Name: m.Name(), Version: m.Version()})

		versioned := make(map[string]bool)
		for _, dep := range m.DependencyModules() {
			versioned[dep.ModuleName] = true
			g.Edges = append(g.Edges, GraphEdge{
				From:     m.Name(),
				To:       dep.ModuleName,
				Range:    dep.VersionRange,
				Optional: !dep.IsRequired,
			})
		}
		for _, dep := range m.Dependencies() {
			if dep != "" && !versioned[dep] {
				g.Edges = append(g.Edges, GraphEdge{From: m.Name(), To: dep})
			}
		}
	}
	return g
}

// aliases assigns a stable identifier to every node and to every edge
// target that is not a node.
func (g Graph) aliases() (map[string]string, []string) {
	aliases := make(map[string]string, len(g.Nodes))
	var missing []string
	for i, n := range g.Nodes {
		aliases[n.Name] = fmt.Sprintf("n%d", i)
	}
	for _, e := range g.Edges {
		if _, ok := aliases[e.To]; !ok {
			aliases[e.To] = fmt.Sprintf("m%d", len(missing))
			missing = append(missing, e.To)
		}
	}
	return aliases, missing
}

// DOT exports Graphviz DOT text. Missing dependencies are drawn dashed.
func (g Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph modules {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases, missing := g.aliases()
	for _, n := range g.Nodes {
		label := escapeDOT(n.Name)
		if n.Version != "" {
			label = label + "\\n" + escapeDOT(n.Version)
		}
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\"];\n", aliases[n.Name], label))
	}
	for _, name := range missing {
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\", style=dashed];\n", aliases[name], escapeDOT(name)))
	}
	for _, e := range g.Edges {
		var attrs []string
		if e.Range != "" {
			attrs = append(attrs, fmt.Sprintf("label=\"%s\"", escapeDOT(e.Range)))
		}
		if e.Optional {
			attrs = append(attrs, "style=dotted")
		}
		if len(attrs) > 0 {
			b.WriteString(fmt.Sprintf("  %s -> %s [%s];\n", aliases[e.From], aliases[e.To], strings.Join(attrs, ", ")))
		} else {
			b.WriteString(fmt.Sprintf("  %s -> %s;\n", aliases[e.From], aliases[e.To]))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (g Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases, missing := g.aliases()
	for _, n := range g.Nodes {
		label := escapeMermaid(n.Name)
		if n.Version != "" {
			label = label + "<br/>" + escapeMermaid(n.Version)
		}
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", aliases[n.Name], label))
	}
	for _, name := range missing {
		b.WriteString(fmt.Sprintf("    %s([\"%s\"])\n", aliases[name], escapeMermaid(name)))
	}
	for _, e := range g.Edges {
		arrow := "-->"
		if e.Optional {
			arrow = "-.->"
		}
		if e.Range != "" {
			b.WriteString(fmt.Sprintf("    %s %s|\"%s\"| %s\n", aliases[e.From], arrow, escapeMermaid(e.Range), aliases[e.To]))
		} else {
			b.WriteString(fmt.Sprintf("    %s %s %s\n", aliases[e.From], arrow, aliases[e.To]))
		}
	}
	return b.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "#quot;")
}
