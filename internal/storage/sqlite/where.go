package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// whereClause is the recursive filter object of the retrieve query
// schema. And/Or chain further clauses onto this one.
type whereClause struct {
	Column    string          `json:"column"`
	Condition string          `json:"condition"`
	Value     json.RawMessage `json:"value"`
	And       *whereClause    `json:"and,omitempty"`
	Or        *whereClause    `json:"or,omitempty"`
}

// queryColumns are the columns a retrieve query may reference. Column
// names are interpolated into SQL, so anything outside this set is
// rejected rather than quoted.
var queryColumns = map[string]bool{
	"id":         true,
	"asset_code": true,
	"reading":    true,
	"user_ts":    true,
	"ts":         true,
}

func validColumn(name string) error {
	if !queryColumns[name] {
		return fmt.Errorf("unknown column %q in query", name)
	}
	return nil
}

// build renders the clause (and its and/or chain) into sb, appending bind
// arguments to args.
func (w *whereClause) build(sb *strings.Builder, args *[]any) error {
	return w.buildQualified(sb, args, "")
}

// buildQualified renders the clause with every column reference prefixed,
// for queries whose FROM clause joins json_each (its id column would
// otherwise shadow the readings id).
func (w *whereClause) buildQualified(sb *strings.Builder, args *[]any, prefix string) error {
	if err := validColumn(w.Column); err != nil {
		return err
	}
	col := prefix + w.Column

	switch strings.ToLower(w.Condition) {
	case "=", "!=", "<", "<=", ">", ">=", "like":
		v, err := scalarValue(w.Value)
		if err != nil {
			return fmt.Errorf("condition %q on %s: %w", w.Condition, w.Column, err)
		}
		fmt.Fprintf(sb, "%s %s ?", col, strings.ToUpper(w.Condition))
		*args = append(*args, v)
	case "in", "not in":
		var vals []json.RawMessage
		if err := json.Unmarshal(w.Value, &vals); err != nil {
			return fmt.Errorf("condition %q on %s needs an array value: %w", w.Condition, w.Column, err)
		}
		if len(vals) == 0 {
			return fmt.Errorf("condition %q on %s: empty value list", w.Condition, w.Column)
		}
		fmt.Fprintf(sb, "%s %s (", col, strings.ToUpper(w.Condition))
		for i, raw := range vals {
			v, err := scalarValue(raw)
			if err != nil {
				return err
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			*args = append(*args, v)
		}
		sb.WriteString(")")
	case "newer":
		secs, err := numberValue(w.Value)
		if err != nil {
			return fmt.Errorf("condition newer on %s: %w", w.Column, err)
		}
		fmt.Fprintf(sb, "%s > datetime('now', '-%d seconds')", col, int64(secs))
	case "older":
		secs, err := numberValue(w.Value)
		if err != nil {
			return fmt.Errorf("condition older on %s: %w", w.Column, err)
		}
		fmt.Fprintf(sb, "%s < datetime('now', '-%d seconds')", col, int64(secs))
	case "isnull":
		fmt.Fprintf(sb, "%s IS NULL", col)
	case "notnull":
		fmt.Fprintf(sb, "%s IS NOT NULL", col)
	default:
		return fmt.Errorf("unknown condition %q", w.Condition)
	}

	if w.And != nil {
		sb.WriteString(" AND ")
		if err := w.And.buildQualified(sb, args, prefix); err != nil {
			return err
		}
	}
	if w.Or != nil {
		sb.WriteString(" OR ")
		if err := w.Or.buildQualified(sb, args, prefix); err != nil {
			return err
		}
	}
	return nil
}

// scalarValue decodes a JSON scalar into a bindable value.
func scalarValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n == float64(int64(n)) {
			return int64(n), nil
		}
		return n, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("unsupported value %s", string(raw))
}

// numberValue decodes a JSON number, accepting the string form devices
// commonly send ("600" for ten minutes).
func numberValue(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if _, err := fmt.Sscanf(s, "%f", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("not a number: %s", string(raw))
}
