package agent

import (
	"strings"
)

// Result is the structured part of an agent's output.
type Result struct {
	Blocked  string   // Question the agent needs answered, if any
	Notes    []string // NOTES: lines, in order
	Blockers []string // BLOCKERS: entries, comma separated in the output
}

// Parse extracts the BLOCKED:, NOTES: and BLOCKERS: markers from output.
func Parse(output string) Result {
	return Result{
		Blocked:  ParseBlocked(output),
		Notes:    ParseNotes(output),
		Blockers: ParseBlockers(output),
	}
}

// ParsedReview represents a review verdict extracted from reviewer agent output.
type ParsedReview struct {
	Verdict  string // APPROVE, REJECT
	Comments []string
}

// ParseReview extracts the verdict and comments from reviewer output.
// Expected format:
//
//	VERDICT: APPROVE
//	COMMENTS:
//	- file:line: description
func ParseReview(output string) ParsedReview {
	result := ParsedReview{}
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		rest, ok := cutMarker(line, "VERDICT:")
		if ok {
			rest = strings.ToUpper(rest)
			switch {
			case strings.Contains(rest, "APPROVE"):
				result.Verdict = "APPROVE"
			case strings.Contains(rest, "REJECT"):
				result.Verdict = "REJECT"
			}
			continue
		}
		if _, ok := cutMarker(line, "COMMENTS:"); !ok {
			continue
		}
		for _, cl := range lines[i+1:] {
			cl = strings.TrimSpace(cl)
			if cl == "" {
				continue
			}
			if strings.HasPrefix(cl, "-") || strings.HasPrefix(cl, "*") {
				if c := strings.TrimSpace(cl[1:]); c != "" {
					result.Comments = append(result.Comments, c)
				}
			} else if strings.HasSuffix(cl, ":") {
				break
			}
		}
	}
	return result
}

// ParseBlocked extracts a BLOCKED reason from agent output.
func ParseBlocked(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := cutMarker(line, "BLOCKED:"); ok {
			return rest
		}
	}
	return ""
}

// ParseNotes returns the text of every NOTES: line.
func ParseNotes(output string) []string {
	var notes []string
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := cutMarker(line, "NOTES:"); ok && rest != "" {
			notes = append(notes, rest)
		}
	}
	return notes
}

// ParseBlockers splits every BLOCKERS: line on commas. "none" is ignored.
func ParseBlockers(output string) []string {
	var blockers []string
	for _, line := range strings.Split(output, "\n") {
		rest, ok := cutMarker(line, "BLOCKERS:")
		if !ok {
			continue
		}
		for _, b := range strings.Split(rest, ",") {
			b = strings.TrimSpace(b)
			if b != "" && !strings.EqualFold(b, "none") {
				blockers = append(blockers, b)
			}
		}
	}
	return blockers
}

// cutMarker matches a case-insensitive marker at the start of a trimmed
// line and returns the trimmed remainder.
func cutMarker(line, marker string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < len(marker) || !strings.EqualFold(trimmed[:len(marker)], marker) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(marker):]), true
}
