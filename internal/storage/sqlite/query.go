package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidemark/tidemark/internal/storage"
)

// retrieveQuery is the JSON query schema of RetrieveReadings.
type retrieveQuery struct {
	Aggregate  json.RawMessage   `json:"aggregate,omitempty"` // object or array
	Return     []json.RawMessage `json:"return,omitempty"`    // column names or projection objects
	Modifier   string            `json:"modifier,omitempty"`
	Where      *whereClause      `json:"where,omitempty"`
	Timebucket *timebucket       `json:"timebucket,omitempty"`
	Group      string            `json:"group,omitempty"`
	Sort       json.RawMessage   `json:"sort,omitempty"` // object or array
	Limit      int               `json:"limit,omitempty"`
	Skip       int               `json:"skip,omitempty"`
}

// returnCol is one projection entry of the return list.
type returnCol struct {
	Column   string        `json:"column"`
	JSON     *jsonSelector `json:"json"`
	Format   string        `json:"format"`
	Timezone string        `json:"timezone"`
	Alias    string        `json:"alias"`
}

// jsonSelector addresses a property inside the reading JSON object.
type jsonSelector struct {
	Column     string          `json:"column"`
	Properties json.RawMessage `json:"properties"` // string or array of path segments
}

// aggregateSpec is one aggregate entry; Operation "all" switches
// RetrieveReadings onto the timebucket-all path.
type aggregateSpec struct {
	Operation string        `json:"operation"`
	Column    string        `json:"column"`
	JSON      *jsonSelector `json:"json"`
	Alias     string        `json:"alias"`
}

type sortSpec struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

// RetrieveReadings answers the JSON query schema: an empty query dumps
// all readings; otherwise aggregate / return / where / timebucket / limit
// shape the SELECT. The result is {count, rows}. Any prepare or step
// failure surfaces as an error after rollback-free read cleanup; the
// caller decides whether to retry.
func (s *Store) RetrieveReadings(ctx context.Context, queryJSON []byte) (*storage.ResultSet, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var q retrieveQuery
	if len(queryJSON) > 0 && string(queryJSON) != "null" {
		if err := json.Unmarshal(queryJSON, &q); err != nil {
			return nil, fmt.Errorf("parse retrieve query: %w", err)
		}
	}

	aggregates, err := q.aggregates()
	if err != nil {
		return nil, err
	}
	for _, a := range aggregates {
		if strings.EqualFold(a.Operation, "all") {
			return s.retrieveTimebucketAll(ctx, &q)
		}
	}

	tables := s.cat.snapshot()
	inner := buildUnion(tables)
	if inner == "" {
		return &storage.ResultSet{Count: 0, Rows: []map[string]any{}}, nil
	}

	var (
		sb       strings.Builder
		args     []any
		jsonCols = map[string]bool{}
	)
	sb.WriteString("SELECT ")
	if q.Modifier != "" {
		if err := validModifier(q.Modifier); err != nil {
			return nil, err
		}
		sb.WriteString(q.Modifier)
		sb.WriteString(" ")
	}

	defaultOrder := ""
	switch {
	case len(aggregates) > 0:
		if err := writeAggregates(&sb, aggregates); err != nil {
			return nil, err
		}
		if q.Timebucket != nil {
			sb.WriteString(", ")
			if err := q.Timebucket.writeSelect(&sb); err != nil {
				return nil, err
			}
		}
	case len(q.Return) > 0:
		if err := writeProjections(&sb, q.Return, jsonCols); err != nil {
			return nil, err
		}
	default:
		sb.WriteString("id, asset_code, reading, ")
		sb.WriteString(tsSelect + "user_ts) AS user_ts, ")
		sb.WriteString(tsSelect + "ts) AS ts")
		jsonCols["reading"] = true
		defaultOrder = "id"
	}

	fmt.Fprintf(&sb, " FROM (%s)", inner)

	if q.Where != nil {
		sb.WriteString(" WHERE ")
		if err := q.Where.build(&sb, &args); err != nil {
			return nil, err
		}
	}

	var groups []string
	if q.Group != "" {
		if err := validColumn(q.Group); err != nil {
			return nil, err
		}
		groups = append(groups, q.Group)
	}
	if q.Timebucket != nil {
		groups = append(groups, q.Timebucket.groupExpr())
	}
	if len(groups) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(groups, ", "))
	}

	order, err := q.orderBy(defaultOrder)
	if err != nil {
		return nil, err
	}
	if order != "" {
		sb.WriteString(" ORDER BY " + order)
	}

	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
		if q.Skip > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", q.Skip)
		}
	}

	return s.runRetrieve(ctx, sb.String(), args, jsonCols)
}

// aggregates decodes the aggregate key, which may be a single object or
// an array of them.
func (q *retrieveQuery) aggregates() ([]aggregateSpec, error) {
	if len(q.Aggregate) == 0 {
		return nil, nil
	}
	var one aggregateSpec
	if err := json.Unmarshal(q.Aggregate, &one); err == nil {
		return []aggregateSpec{one}, nil
	}
	var many []aggregateSpec
	if err := json.Unmarshal(q.Aggregate, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("malformed aggregate: %s", string(q.Aggregate))
}

// orderBy renders the sort key, falling back to the caller's default.
func (q *retrieveQuery) orderBy(def string) (string, error) {
	if len(q.Sort) == 0 {
		return def, nil
	}
	var specs []sortSpec
	var one sortSpec
	if err := json.Unmarshal(q.Sort, &one); err == nil {
		specs = []sortSpec{one}
	} else if err := json.Unmarshal(q.Sort, &specs); err != nil {
		return "", fmt.Errorf("malformed sort: %s", string(q.Sort))
	}
	parts := make([]string, 0, len(specs))
	for _, sp := range specs {
		if err := validColumn(sp.Column); err != nil {
			return "", err
		}
		dir := strings.ToUpper(sp.Direction)
		switch dir {
		case "", "ASC":
			parts = append(parts, sp.Column)
		case "DESC":
			parts = append(parts, sp.Column+" DESC")
		default:
			return "", fmt.Errorf("unknown sort direction %q", sp.Direction)
		}
	}
	return strings.Join(parts, ", "), nil
}

// validModifier accepts the raw SQL modifiers the schema allows.
func validModifier(m string) error {
	switch strings.ToUpper(strings.TrimSpace(m)) {
	case "DISTINCT", "ALL":
		return nil
	}
	return fmt.Errorf("unknown modifier %q", m)
}

func writeAggregates(sb *strings.Builder, aggregates []aggregateSpec) error {
	for i, a := range aggregates {
		if i > 0 {
			sb.WriteString(", ")
		}
		op := strings.ToLower(a.Operation)
		switch op {
		case "min", "max", "avg", "sum", "count":
		default:
			return fmt.Errorf("unknown aggregate operation %q", a.Operation)
		}

		expr := ""
		name := ""
		switch {
		case a.JSON != nil:
			path, err := a.JSON.path()
			if err != nil {
				return err
			}
			if err := validColumn(a.JSON.Column); err != nil {
				return err
			}
			expr = fmt.Sprintf("json_extract(%s, %s)", a.JSON.Column, quoteLiteral(path))
			name = strings.TrimPrefix(path, "$.")
		case a.Column != "":
			if err := validColumn(a.Column); err != nil {
				return err
			}
			expr = a.Column
			name = a.Column
		case op == "count":
			expr = "*"
			name = "count"
		default:
			return fmt.Errorf("aggregate %q missing column", a.Operation)
		}

		alias := a.Alias
		if alias == "" {
			alias = op + "_" + name
			if name == "count" && op == "count" {
				alias = "count"
			}
		}
		fmt.Fprintf(sb, "%s(%s) AS %q", op, expr, alias)
	}
	return nil
}

func writeProjections(sb *strings.Builder, ret []json.RawMessage, jsonCols map[string]bool) error {
	for i, raw := range ret {
		if i > 0 {
			sb.WriteString(", ")
		}

		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			if err := validColumn(name); err != nil {
				return err
			}
			if name == "user_ts" || name == "ts" {
				fmt.Fprintf(sb, "%s%s) AS %q", tsSelect, name, name)
			} else {
				fmt.Fprintf(sb, "%s AS %q", name, name)
			}
			if name == "reading" {
				jsonCols[name] = true
			}
			continue
		}

		var col returnCol
		if err := json.Unmarshal(raw, &col); err != nil {
			return fmt.Errorf("malformed return entry: %s", string(raw))
		}

		expr := ""
		alias := col.Alias
		isJSON := false
		switch {
		case col.JSON != nil:
			path, err := col.JSON.path()
			if err != nil {
				return err
			}
			if err := validColumn(col.JSON.Column); err != nil {
				return err
			}
			expr = fmt.Sprintf("json_extract(%s, %s)", col.JSON.Column, quoteLiteral(path))
			if alias == "" {
				alias = strings.TrimPrefix(path, "$.")
			}
			isJSON = true
		case col.Column != "":
			if err := validColumn(col.Column); err != nil {
				return err
			}
			expr = col.Column
			if alias == "" {
				alias = col.Column
			}
			if col.Column == "reading" {
				isJSON = true
			}
		default:
			return fmt.Errorf("return entry missing column: %s", string(raw))
		}

		tz := ""
		switch strings.ToLower(col.Timezone) {
		case "", "utc":
		case "localtime":
			tz = ", 'localtime'"
		default:
			return fmt.Errorf("unknown timezone %q", col.Timezone)
		}

		switch {
		case col.Format != "":
			fmt.Fprintf(sb, "strftime(%s, %s%s) AS %q",
				quoteLiteral(col.Format), expr, tz, alias)
			isJSON = false
		case tz != "":
			fmt.Fprintf(sb, "datetime(%s%s) AS %q", expr, tz, alias)
			isJSON = false
		default:
			fmt.Fprintf(sb, "%s AS %q", expr, alias)
		}
		if isJSON {
			jsonCols[alias] = true
		}
	}
	return nil
}

// path renders the selector as a SQLite JSON path.
func (j *jsonSelector) path() (string, error) {
	if len(j.Properties) == 0 {
		return "", fmt.Errorf("json selector missing properties")
	}
	var one string
	if err := json.Unmarshal(j.Properties, &one); err == nil {
		return "$." + one, nil
	}
	var many []string
	if err := json.Unmarshal(j.Properties, &many); err == nil && len(many) > 0 {
		return "$." + strings.Join(many, "."), nil
	}
	return "", fmt.Errorf("malformed json properties: %s", string(j.Properties))
}

// runRetrieve executes the assembled query on the reader connection and
// packs the rows. Columns named in jsonCols are re-embedded as JSON
// values rather than strings.
func (s *Store) runRetrieve(ctx context.Context, query string, args []any, jsonCols map[string]bool) (*storage.ResultSet, error) {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()

	var rows *sql.Rows
	err := s.execRetry(ctx, "retrieve", func() error {
		var err error
		rows, err = s.reader.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, wrapDBError("retrieve readings", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrapDBError("retrieve columns", err)
	}

	out := &storage.ResultSet{Rows: []map[string]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapDBError("scan retrieve row", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i], jsonCols[col])
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate retrieve rows", err)
	}
	out.Count = len(out.Rows)
	return out, nil
}

// normalizeValue converts driver values into JSON-friendly ones.
func normalizeValue(v any, isJSON bool) any {
	switch tv := v.(type) {
	case []byte:
		v = string(tv)
	}
	if s, ok := v.(string); ok && isJSON && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return v
}
