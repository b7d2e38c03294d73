package grove

import "github.com/go-grove/grove/schema"

// hydrate converts result rows into entities. Entities from a result
// with more than one row are marked batch loaded, which is what strict
// lazy mode keys on.
func hydrate(entity string, s *schema.Schema, rows []Row) []*Entity {
	batch := len(rows) > 1
	entities := make([]*Entity, len(rows))
	for idx, row := range rows {
		entities[idx] = newEntity(entity, s, row, batch)
	}
	return entities
}

// extractPivot removes the named junction aliases from a joined row
// and returns them keyed by bare column name. Aliases follow the
// "<pivot table>_<column>" select convention.
func extractPivot(row Row, pivotTable string, columns []string) Row {
	pivot := make(Row, len(columns))
	for _, column := range columns {
		alias := pivotTable + "_" + column
		if value, ok := row[alias]; ok {
			pivot[column] = value
			delete(row, alias)
		}
	}
	return pivot
}
