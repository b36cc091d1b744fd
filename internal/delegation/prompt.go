package delegation

import (
	"fmt"
	"strings"
)

// Markers the agent uses to talk back. The workstream manager parses them
// out of the agent's output.
const (
	BlockedPrefix  = "BLOCKED:"
	NotesPrefix    = "NOTES:"
	BlockersPrefix = "BLOCKERS:"
)

// Prompt renders the package as the markdown brief an agent reads before
// starting work.
func (p *Package) Prompt() string {
	parts := []string{
		roleHeader(p.AgentRole),
		p.taskSection(),
	}
	if s := p.projectSection(); s != "" {
		parts = append(parts, s)
	}
	if len(p.Dependencies) > 0 {
		var sb strings.Builder
		sb.WriteString("## In-flight dependencies\n")
		for _, d := range p.Dependencies {
			fmt.Fprintf(&sb, "- %s: %s (%s)\n", d.ID, d.Title, d.Status)
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}
	if len(p.ConflictWarnings) > 0 {
		parts = append(parts, list("## Watch out", p.ConflictWarnings))
	}
	if len(p.Artifacts) > 0 {
		parts = append(parts, list("## Relevant files", p.Artifacts))
	}
	parts = append(parts,
		list("## Test requirements", p.TestRequirements),
		list("## Patterns", p.Patterns),
	)
	if len(p.ArchitecturalNotes) > 0 {
		parts = append(parts, list("## Architecture", p.ArchitecturalNotes))
	}
	parts = append(parts,
		list("## Success criteria", p.SuccessCriteria),
		"## Instructions\n"+p.Instructions,
	)
	if p.AgentRole == "reviewer" {
		parts = append(parts, reviewFormat)
	}
	parts = append(parts, protocol)
	return strings.Join(parts, "\n\n")
}

// As returns a copy of the package addressed to another role.
func (p *Package) As(role string) *Package {
	cp := *p
	cp.AgentRole = role
	cp.Instructions = instructions(role, p.Category)
	return &cp
}

func roleHeader(role string) string {
	switch role {
	case "builder":
		return "# You are a Software Developer\nYour job is to implement the task. Write clean, tested code. If something is unclear, say so explicitly."
	case "reviewer":
		return "# You are a Code Reviewer\nYour job is to review the changes made for this task. Focus on bugs, security issues, and logic errors. Ignore style nitpicks."
	case "tester":
		return "# You are a QA Engineer\nYour job is to verify the implementation works correctly. Write and run tests against the success criteria."
	default:
		return fmt.Sprintf("# You are working as: %s", role)
	}
}

func (p *Package) taskSection() string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	fmt.Fprintf(&sb, "**%s: %s**\n", p.Item.ID, p.Item.Title)
	fmt.Fprintf(&sb, "Priority: %s | Category: %s | Complexity: %s (~%.1fh)\n",
		p.Item.Priority, p.Category, p.Complexity, p.AdjustedHours)
	if len(p.Item.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(p.Item.Tags, ", "))
	}
	if p.ExecutionPosition > 0 {
		fmt.Fprintf(&sb, "Execution order: %d of %d\n", p.ExecutionPosition, p.ExecutionTotal)
	}
	if p.Recommendation != nil {
		fmt.Fprintf(&sb, "Score: %.2f. %s\n", p.Recommendation.Score, p.Recommendation.Rationale)
	}
	if p.Item.Description != "" {
		sb.WriteString("\n### Description\n")
		sb.WriteString(p.Item.Description)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (p *Package) projectSection() string {
	if p.Project.Name == "" && len(p.Project.Goals) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Project\n")
	if p.Project.Name != "" {
		fmt.Fprintf(&sb, "%s", p.Project.Name)
		if p.Project.Type != "" {
			fmt.Fprintf(&sb, " (%s)", p.Project.Type)
		}
		sb.WriteString("\n")
	}
	if p.Project.QualityBar != "" {
		fmt.Fprintf(&sb, "Quality bar: %s\n", p.Project.QualityBar)
	}
	for _, g := range p.Project.Goals {
		fmt.Fprintf(&sb, "- Goal: %s\n", g)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func list(title string, items []string) string {
	var sb strings.Builder
	sb.WriteString(title)
	for _, it := range items {
		sb.WriteString("\n- ")
		sb.WriteString(it)
	}
	return sb.String()
}

const reviewFormat = `## Response Format
Respond in this exact format:

VERDICT: APPROVE or REJECT

COMMENTS:
- file:line: description of issue`

const protocol = `## Reporting back
- If you need information from the user, say: BLOCKED: [your question]
- Summarise what you did on a line starting with NOTES:
- List anything that slowed you down on a line starting with BLOCKERS: (comma separated)`
