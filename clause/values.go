package clause

// Values insert values clause
type Values struct {
	Columns []Column
	Values  [][]interface{}
}

// Name values clause name
func (Values) Name() string {
	return "VALUES"
}

// Build build values clause
func (values Values) Build(builder Builder) {
	if len(values.Columns) > 0 {
		builder.WriteByte('(')
		for idx, column := range values.Columns {
			if idx > 0 {
				builder.WriteByte(',')
			}
			builder.WriteQuoted(column)
		}
		builder.WriteByte(')')

		builder.WriteString(" VALUES ")

		for idx, value := range values.Values {
			if idx > 0 {
				builder.WriteByte(',')
			}

			builder.WriteByte('(')
			builder.AddVar(builder, value...)
			builder.WriteByte(')')
		}
	} else {
		builder.WriteString("DEFAULT VALUES")
	}
}

// MergeClause merge values clauses
func (values Values) MergeClause(clause *Clause) {
	if v, ok := clause.Expression.(Values); ok {
		copied := make([][]interface{}, len(v.Values))
		copy(copied, v.Values)
		values.Values = append(copied, values.Values...)
	}
	clause.Name = ""
	clause.Expression = values
}
