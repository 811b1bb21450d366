package crawl

import (
	"fmt"
	"strings"

	"github.com/maltedev/listing-harvester/internal/models"
)

// FormatStats renders store statistics for terminal output.
func FormatStats(s *models.ListingStats) string {
	var b strings.Builder

	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString("LISTING STATISTICS\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&b, "  total:     %d\n", s.Total)
	fmt.Fprintf(&b, "  active:    %d\n", s.Active)
	fmt.Fprintf(&b, "  inactive:  %d\n", s.Inactive)

	if s.AvgActivePrice.Valid {
		fmt.Fprintf(&b, "  avg price (active, %s): %s %s\n", s.Currency, s.AvgActivePrice.Decimal.StringFixed(2), s.Currency)
	} else {
		fmt.Fprintf(&b, "  avg price (active, %s): n/a\n", s.Currency)
	}

	fmt.Fprintf(&b, "  promoted (active): %d\n", s.PromotedActive)

	if s.OldestActive != nil && s.NewestActive != nil {
		fmt.Fprintf(&b, "  created (active): %s to %s\n",
			s.OldestActive.Format("2006-01-02"),
			s.NewestActive.Format("2006-01-02"))
	}

	return b.String()
}
