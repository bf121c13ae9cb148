package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Goal is one plan goal; at most one goal carries the [CURRENT] marker.
type Goal struct {
	Text    string `json:"text"`
	Current bool   `json:"current,omitempty"`
}

// Milestone is one plan milestone; [DONE] marks completion.
type Milestone struct {
	Text string `json:"text"`
	Done bool   `json:"done,omitempty"`
}

// PlanState is the agent's persistent plan.
type PlanState struct {
	Goals      []Goal      `json:"goals,omitempty"`
	Milestones []Milestone `json:"milestones,omitempty"`
	Strategy   string      `json:"strategy,omitempty"`
	Notes      string      `json:"notes,omitempty"`
}

// Empty reports whether no plan has been initialized yet.
func (p PlanState) Empty() bool {
	return len(p.Goals) == 0 && len(p.Milestones) == 0 && p.Strategy == "" && p.Notes == ""
}

// Clone deep-copies the plan.
func (p PlanState) Clone() PlanState {
	return PlanState{
		Goals:      append([]Goal(nil), p.Goals...),
		Milestones: append([]Milestone(nil), p.Milestones...),
		Strategy:   p.Strategy,
		Notes:      p.Notes,
	}
}

// String renders the plan for inclusion in the system prompt.
func (p PlanState) String() string {
	var sb strings.Builder
	sb.WriteString("Goals:\n")
	for i, g := range p.Goals {
		marker := ""
		if g.Current {
			marker = " [CURRENT]"
		}
		fmt.Fprintf(&sb, "%d. %s%s\n", i+1, g.Text, marker)
	}
	sb.WriteString("Milestones:\n")
	for i, m := range p.Milestones {
		marker := ""
		if m.Done {
			marker = " [DONE]"
		}
		fmt.Fprintf(&sb, "%d. %s%s\n", i+1, m.Text, marker)
	}
	if p.Strategy != "" {
		fmt.Fprintf(&sb, "Strategy: %s\n", p.Strategy)
	}
	if p.Notes != "" {
		fmt.Fprintf(&sb, "Notes: %s\n", p.Notes)
	}
	return sb.String()
}

// PlanNoChange is the literal a response uses to leave the plan untouched.
const PlanNoChange = "no change"

var numberedLinePattern = regexp.MustCompile(`^(\d+)[.)]\s+(.*)$`)

// ParsePlanUpdate parses a Plan Update section into a full-replacement
// PlanState. Parsing is strict: goals and milestones must be numbered lists,
// the [CURRENT] marker must appear on at most one goal, and [DONE] is only
// valid on milestones. Returns (nil, nil) for the literal "no change".
func ParsePlanUpdate(text string) (*PlanState, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.EqualFold(trimmed, PlanNoChange) {
		return nil, nil
	}

	plan := &PlanState{}
	var section string
	currentSeen := false

	for _, rawLine := range strings.Split(trimmed, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		switch {
		case strings.EqualFold(line, "Goals:"):
			section = "goals"
			continue
		case strings.EqualFold(line, "Milestones:"):
			section = "milestones"
			continue
		case hasFoldPrefix(line, "Strategy:"):
			plan.Strategy = strings.TrimSpace(line[len("Strategy:"):])
			section = "strategy"
			continue
		case hasFoldPrefix(line, "Notes:"):
			plan.Notes = strings.TrimSpace(line[len("Notes:"):])
			section = "notes"
			continue
		}

		switch section {
		case "goals":
			m := numberedLinePattern.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("plan update: goal line %q is not a numbered item", line)
			}
			text := strings.TrimSpace(m[2])
			goal := Goal{}
			if strings.Contains(text, "[CURRENT]") {
				if currentSeen {
					return nil, fmt.Errorf("plan update: [CURRENT] marker appears on more than one goal")
				}
				currentSeen = true
				goal.Current = true
				text = strings.TrimSpace(strings.ReplaceAll(text, "[CURRENT]", ""))
			}
			if strings.Contains(text, "[DONE]") {
				return nil, fmt.Errorf("plan update: [DONE] marker is only valid on milestones")
			}
			goal.Text = text
			plan.Goals = append(plan.Goals, goal)

		case "milestones":
			m := numberedLinePattern.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("plan update: milestone line %q is not a numbered item", line)
			}
			text := strings.TrimSpace(m[2])
			ms := Milestone{}
			if strings.Contains(text, "[DONE]") {
				ms.Done = true
				text = strings.TrimSpace(strings.ReplaceAll(text, "[DONE]", ""))
			}
			ms.Text = text
			plan.Milestones = append(plan.Milestones, ms)

		case "strategy":
			plan.Strategy = strings.TrimSpace(plan.Strategy + "\n" + line)
		case "notes":
			plan.Notes = strings.TrimSpace(plan.Notes + "\n" + line)
		default:
			return nil, fmt.Errorf("plan update: unexpected line %q before any section header", line)
		}
	}

	return plan, nil
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
