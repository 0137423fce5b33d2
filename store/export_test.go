package store

// QuerySQL exposes the SQL a query runs as.
func QuerySQL(q Query) (string, []any) {
	return q.toSQL()
}
