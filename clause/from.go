package clause

// From from clause
type From struct {
	Tables []Table
	Joins  []Join
}

// JoinType join type
type JoinType string

const (
	CrossJoin JoinType = "CROSS"
	InnerJoin JoinType = "INNER"
	LeftJoin  JoinType = "LEFT"
	RightJoin JoinType = "RIGHT"
)

// Join join clause for from
type Join struct {
	Type  JoinType
	Table Table
	ON    Where
	Using []string
}

// Name from clause name
func (from From) Name() string {
	return "FROM"
}

// Build build from clause
func (from From) Build(builder Builder) {
	if len(from.Tables) > 0 {
		for idx, table := range from.Tables {
			if idx > 0 {
				builder.WriteByte(',')
			}

			builder.WriteQuoted(table)
		}
	} else {
		builder.WriteQuoted(currentTable)
	}

	for _, join := range from.Joins {
		builder.WriteByte(' ')
		join.Build(builder)
	}
}

func (join Join) Build(builder Builder) {
	if join.Type != "" {
		builder.WriteString(string(join.Type))
		builder.WriteByte(' ')
	}

	builder.WriteString("JOIN ")
	builder.WriteQuoted(join.Table)

	if len(join.ON.Exprs) > 0 {
		builder.WriteString(" ON ")
		join.ON.Build(builder)
	} else if len(join.Using) > 0 {
		builder.WriteString(" USING (")
		for idx, c := range join.Using {
			if idx > 0 {
				builder.WriteByte(',')
			}
			builder.WriteQuoted(c)
		}
		builder.WriteByte(')')
	}
}

// MergeClause merge from clause
func (from From) MergeClause(clause *Clause) {
	if v, ok := clause.Expression.(From); ok {
		copiedTables := make([]Table, len(v.Tables))
		copy(copiedTables, v.Tables)
		from.Tables = append(copiedTables, from.Tables...)

		copiedJoins := make([]Join, len(v.Joins))
		copy(copiedJoins, v.Joins)
		from.Joins = append(copiedJoins, from.Joins...)
	}
	clause.Expression = from
}
