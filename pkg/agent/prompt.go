package agent

import (
	"fmt"
	"strings"
)

// SceneView is the slice of scene surface the agent needs to build its
// prompt.
type SceneView interface {
	Description() string
	Guidelines() string
	Clock() string
}

// responseTemplate is the required output format. The parser in this package
// recognizes exactly these sections.
const responseTemplate = `Respond using exactly these labeled sections:

Thoughts:
<your private reasoning for this step>

Plan:
<how this step advances your current plan>

Action:
<exactly one XML element, e.g. <Action name="speak"><content>Hello</content></Action>>

Plan Update:
<a full replacement plan (Goals/Milestones numbered lists, one goal marked [CURRENT], finished milestones marked [DONE], then Strategy: and Notes: lines) — or the literal "no change">

Emotion Update:
<your current emotion in a few words — omit the section to keep it unchanged>`

// buildSystemPrompt assembles the step prompt: identity, plan state, scene
// description and guidelines, the action catalog, the output template, and
// optional retrieval context.
func buildSystemPrompt(a *Agent, view SceneView, ragContext string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s.\n", a.name)
	if a.profile != "" {
		fmt.Fprintf(&sb, "Profile: %s\n", a.profile)
	}
	if a.style != "" {
		fmt.Fprintf(&sb, "Speaking style: %s\n", a.style)
	}
	if a.role != "" {
		fmt.Fprintf(&sb, "Role: %s\n", a.role)
	}
	if a.language != "" {
		fmt.Fprintf(&sb, "Respond in %s.\n", a.language)
	}

	sb.WriteString("\n## Your plan\n")
	if a.plan.Empty() {
		sb.WriteString("You have no plan yet. Initialize one in the Plan Update section of your response.\n")
	} else {
		sb.WriteString(a.plan.String())
	}

	if a.opts.EmotionEnabled && a.emotion != "" {
		fmt.Fprintf(&sb, "\n## Your emotion\n%s\n", a.emotion)
	}

	if view != nil {
		if desc := view.Description(); desc != "" {
			fmt.Fprintf(&sb, "\n## Scene\n%s\n", desc)
		}
		if g := view.Guidelines(); g != "" {
			fmt.Fprintf(&sb, "\n## Behavior guidelines\n%s\n", g)
		}
	}

	if kb := renderKnowledge(a); kb != "" {
		fmt.Fprintf(&sb, "\n## What you know\n%s", kb)
	}
	if ragContext != "" {
		fmt.Fprintf(&sb, "\n## Retrieved context\n%s\n", ragContext)
	}

	sb.WriteString("\n## Available actions\n")
	for _, def := range a.catalog.All() {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Instructions)
	}

	sb.WriteString("\n## Output format\n")
	sb.WriteString(responseTemplate)

	return sb.String()
}

// renderKnowledge lists enabled knowledge items and global knowledge.
func renderKnowledge(a *Agent) string {
	var sb strings.Builder
	for _, item := range a.knowledgeBase {
		if !item.Enabled {
			continue
		}
		if item.Title != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", item.Title, item.Content)
		} else {
			fmt.Fprintf(&sb, "- %s\n", item.Content)
		}
	}
	for _, kv := range a.sortedGlobalKnowledge() {
		fmt.Fprintf(&sb, "- %s: %s\n", kv[0], kv[1])
	}
	return sb.String()
}

// continuationHint nudges the model that a fresh step is expected.
const continuationHint = "Continue. Take your next step now using the required output format."
