package export

import (
	"fmt"
	"strings"

	"github.com/dusk-indust/nlpipe/internal/schema"
)

// GenerateMermaid produces a Mermaid flowchart of the candidate plans. Each
// plan is a subgraph whose steps are chained in order; the plan at selected
// is highlighted. Pass -1 for no selection.
func GenerateMermaid(plans schema.PlanList, selected int) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for p, plan := range plans {
		sb.WriteString(fmt.Sprintf("  subgraph P%d[\"Plan %d\"]\n", p, p+1))
		for s, step := range plan {
			sb.WriteString(fmt.Sprintf("    P%dS%d[\"%s\"]\n", p, s, label(step.Name)))
		}
		sb.WriteString("  end\n")
		for s := 1; s < len(plan); s++ {
			sb.WriteString(fmt.Sprintf("  P%dS%d --> P%dS%d\n", p, s-1, p, s))
		}
	}

	if selected >= 0 && selected < len(plans) {
		sb.WriteString("  classDef selected fill:#d4f4dd,stroke:#2d8a4e\n")
		sb.WriteString(fmt.Sprintf("  class P%d selected\n", selected))
	}
	return sb.String()
}

// label makes a step name safe inside a quoted Mermaid label, truncated to
// 40 runes.
func label(name string) string {
	name = strings.ReplaceAll(name, `"`, "#quot;")
	name = strings.Join(strings.Fields(name), " ")
	if r := []rune(name); len(r) > 40 {
		name = string(r[:39]) + "…"
	}
	return name
}
