package fetch

import (
	"github.com/harvestlab/qacrawl/internal/crawl"
)

// Detector classifies a parsed page as usable, soft-blocked, or failed.
//
// The upstream service degrades silently under automation pressure: instead
// of an error status it returns a well-formed page with no entries and no
// session correlation id. A page with entries, or an empty page that still
// carries a correlation id (a genuinely exhausted listing), is legitimate.
type Detector struct{}

// Classify maps a parse result to a fetch outcome.
func (Detector) Classify(page crawl.Page, err error) crawl.FetchOutcome {
	if err != nil {
		return crawl.FetchOutcome{Kind: crawl.OutcomeHardError, Err: err}
	}
	if len(page.Items) == 0 && len(page.Targets) == 0 && page.CorrelationID == "" {
		return crawl.FetchOutcome{Kind: crawl.OutcomeSoftBlocked}
	}
	return crawl.FetchOutcome{
		Kind:       crawl.OutcomeOK,
		Items:      page.Items,
		NextCursor: page.NextCursor,
		IsEnd:      page.IsEnd,
	}
}
