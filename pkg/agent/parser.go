package agent

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/simloom/simloom/pkg/action"
)

// ParsedResponse is the structured form of one LLM step response.
type ParsedResponse struct {
	Thoughts string
	Plan     string
	Action   action.Data

	// PlanUpdate is nil when the section is absent or the literal "no change".
	PlanUpdate *PlanState

	// Emotion is the replacement emotion value, "" when absent.
	Emotion string

	// FoundSections tracks which labeled sections were detected.
	FoundSections map[string]bool
}

// ParseError marks a response that is missing required sections or carries a
// malformed Action element. It is retryable at the agent level.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse response: " + e.Reason }

// sectionHeaders in detection order. "Plan Update" must be tested before
// "Plan" — both are prefixes of the same line shape.
var sectionHeaders = []string{"Plan Update", "Emotion Update", "Thoughts", "Plan", "Action"}

// ParseResponse parses an LLM step response into its five labeled sections
// and extracts the single Action element. The parser is a line state machine
// — a line of the form "<Header>:" (content may follow the colon) opens a
// section; subsequent lines accumulate until the next header.
func ParseResponse(text string) (*ParsedResponse, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Reason: "empty response"}
	}

	sections := map[string][]string{}
	found := map[string]bool{}
	var current string

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if header, rest, ok := matchHeader(line); ok {
			current = header
			found[header] = true
			if rest != "" {
				sections[header] = append(sections[header], rest)
			}
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], rawLine)
		}
	}

	join := func(header string) string {
		return strings.TrimSpace(strings.Join(sections[header], "\n"))
	}

	if !found["Action"] {
		return nil, &ParseError{Reason: "missing Action section"}
	}

	actionData, err := parseActionElement(join("Action"))
	if err != nil {
		return nil, err
	}

	resp := &ParsedResponse{
		Thoughts:      join("Thoughts"),
		Plan:          join("Plan"),
		Action:        actionData,
		FoundSections: found,
	}

	if found["Plan Update"] {
		plan, perr := ParsePlanUpdate(join("Plan Update"))
		if perr != nil {
			return nil, &ParseError{Reason: perr.Error()}
		}
		resp.PlanUpdate = plan
	}
	if found["Emotion Update"] {
		resp.Emotion = join("Emotion Update")
	}

	return resp, nil
}

// matchHeader reports whether line opens a labeled section, returning the
// header and any content following the colon.
func matchHeader(line string) (header, rest string, ok bool) {
	for _, h := range sectionHeaders {
		if !hasFoldPrefix(line, h) {
			continue
		}
		tail := line[len(h):]
		// Accept "Header:" and "Header" alone; reject "Planning" etc.
		if tail == "" {
			return h, "", true
		}
		if strings.HasPrefix(tail, ":") {
			return h, strings.TrimSpace(tail[1:]), true
		}
	}
	return "", "", false
}

// xmlAction mirrors the <Action name="…">…</Action> wire element; child
// elements become parameters.
type xmlAction struct {
	XMLName  xml.Name   `xml:"Action"`
	Name     string     `xml:"name,attr"`
	Children []xmlParam `xml:",any"`
}

type xmlParam struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// parseActionElement extracts exactly one Action XML element from the Action
// section body.
func parseActionElement(body string) (action.Data, error) {
	if body == "" {
		return action.Data{}, &ParseError{Reason: "Action section is empty"}
	}

	start := strings.Index(body, "<Action")
	if start == -1 {
		return action.Data{}, &ParseError{Reason: "Action section contains no <Action> element"}
	}
	if strings.Count(body, "<Action") > 1 {
		return action.Data{}, &ParseError{Reason: "Action section must contain exactly one <Action> element"}
	}

	end := strings.Index(body[start:], "</Action>")
	var raw string
	if end != -1 {
		raw = body[start : start+end+len("</Action>")]
	} else {
		// Self-closing form <Action name="…"/>.
		close := strings.Index(body[start:], "/>")
		if close == -1 {
			return action.Data{}, &ParseError{Reason: "unterminated <Action> element"}
		}
		raw = body[start : start+close+len("/>")]
	}

	var parsed xmlAction
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return action.Data{}, &ParseError{Reason: fmt.Sprintf("malformed Action element: %v", err)}
	}
	if parsed.Name == "" {
		return action.Data{}, &ParseError{Reason: "Action element is missing the name attribute"}
	}

	data := action.Data{Name: parsed.Name, Raw: raw}
	if len(parsed.Children) > 0 {
		data.Params = make(map[string]string, len(parsed.Children))
		for _, child := range parsed.Children {
			data.Params[child.XMLName.Local] = strings.TrimSpace(child.Value)
		}
	}
	return data, nil
}
