package sqlite

import (
	"strings"

	"github.com/eventforge/eventforge/internal/storage"
)

type eventQueryPlan struct {
	whereClause string
	params      []any
}

// buildEventQueryPlan translates a storage filter into a WHERE clause
// over the events table. Domain-id matches go through the index table;
// an event matches when it carries any of the requested ids.
func buildEventQueryPlan(filter storage.Filter) eventQueryPlan {
	var clauses []string
	var params []any

	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?, ", len(filter.Types)-1) + "?"
		clauses = append(clauses, "event_type IN ("+placeholders+")")
		for _, t := range filter.Types {
			params = append(params, t)
		}
	}

	if len(filter.DomainIDs) > 0 {
		var idClauses []string
		for _, id := range filter.DomainIDs {
			idClauses = append(idClauses, "(field = ? AND value = ?)")
			params = append(params, id.Field, id.Value)
		}
		clauses = append(clauses,
			"position IN (SELECT position FROM event_domain_ids WHERE "+strings.Join(idClauses, " OR ")+")")
	}

	if filter.AfterPosition > 0 {
		clauses = append(clauses, "position > ?")
		params = append(params, filter.AfterPosition)
	}

	whereClause := "1 = 1"
	if len(clauses) > 0 {
		whereClause = strings.Join(clauses, " AND ")
	}

	return eventQueryPlan{whereClause: whereClause, params: params}
}
