package settlement

import (
	"regexp"
	"strconv"

	"github.com/bountyrelay/bountyrelay/internal/scm"
)

// closingKeyword matches GitHub's closing keywords followed by a same-repository
// issue reference, e.g. "Fixes #12" or "closes: #7".
var closingKeyword = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?):?\s+#(\d+)\b`)

// ExtractLinkedIssues returns the issue numbers a pull request body closes,
// in order of first mention and without duplicates.
func ExtractLinkedIssues(body string) []int {
	var numbers []int
	seen := make(map[int]bool)
	for _, match := range closingKeyword.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	return numbers
}

// ResolveCloser picks the contributor who closed an issue from its timeline:
// the actor of the most recent cross-reference from a merged pull request.
func ResolveCloser(events []scm.TimelineEvent) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Event != "cross-referenced" || ev.Actor == nil || ev.Actor.Login == "" {
			continue
		}
		if ev.Source == nil || ev.Source.Type != "issue" || ev.Source.Issue == nil {
			continue
		}
		if ev.Source.Issue.IsMergedPullRequest() {
			return ev.Actor.Login, true
		}
	}
	return "", false
}
