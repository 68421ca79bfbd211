package intent

import "strings"

// Intent labels a query with the retrieval strategy it needs.
type Intent int

const (
	// Semantic queries are answered via similarity search over embeddings.
	Semantic Intent = iota
	// Analytical queries are answered by SQL over raw transaction rows.
	Analytical
)

func (i Intent) String() string {
	if i == Analytical {
		return "analytical"
	}
	return "semantic"
}

// analyticalKeywords marks queries answerable by SQL aggregation: totals,
// averages, counts, and time-windowed phrasing.
var analyticalKeywords = []string{
	"total",
	"sum",
	"average",
	"avg",
	"count",
	"how much",
	"how many",
	"spent",
	"spending",
	"this month",
	"last month",
	"this week",
	"last week",
	"this year",
	"last year",
	"per month",
	"per week",
	"more than",
	"less than",
	"greater than",
	"at least",
	"at most",
	"between",
}

// comparativeTriggers mark questions that need raw row access rather than a
// single aggregate; the planner emits a broad SELECT * for these and the
// synthesizer does the arithmetic.
var comparativeTriggers = []string{
	"compare",
	"comparison",
	"difference",
	"versus",
	" vs ",
	"increase",
	"decrease",
	"higher",
	"lower",
	"most",
	"least",
	"biggest",
	"largest",
	"smallest",
	"trend",
	"why did",
}

// Classify labels the query Analytical or Semantic. It is lexical, pure, and
// total: any keyword or comparative trigger appearing as a substring of the
// lowercased text selects the analytical path, everything else is semantic.
func Classify(text string) Intent {
	lower := strings.ToLower(text)
	for _, kw := range analyticalKeywords {
		if strings.Contains(lower, kw) {
			return Analytical
		}
	}
	for _, trigger := range comparativeTriggers {
		if strings.Contains(lower, trigger) {
			return Analytical
		}
	}
	return Semantic
}

// IsComparative reports whether the query matches a comparative trigger.
// Comparative questions get broad, unfiltered SQL plans.
func IsComparative(text string) bool {
	lower := strings.ToLower(text)
	for _, trigger := range comparativeTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}
