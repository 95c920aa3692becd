package collection

import (
	"fmt"
	"reflect"
	"strconv"
)

// Filter matches documents whose Field equals any value in In. An empty In
// matches nothing.
type Filter struct {
	Field string
	In    []any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, In: []any{value}}
}

func In[V any](field string, values ...V) Filter {
	in := make([]any, len(values))
	for i, v := range values {
		in[i] = v
	}
	return Filter{Field: field, In: in}
}

// Query is a conjunction of filters with an optional numeric sort.
type Query struct {
	Filters []Filter
	SortBy  string
	Desc    bool
	Limit   int
}

func Where(filters ...Filter) Query {
	return Query{Filters: filters}
}

func (q Query) OrderBy(field string, desc bool) Query {
	q.SortBy, q.Desc = field, desc
	return q
}

func (q Query) First(n int) Query {
	q.Limit = n
	return q
}

// Partition returns the value the query pins partitionField to, if the query
// selects exactly one partition.
func (q Query) Partition(partitionField string) (string, bool) {
	for _, f := range q.Filters {
		if f.Field == partitionField && len(f.In) == 1 {
			return Key(f.In[0]), true
		}
	}
	return "", false
}

// Matches evaluates q's filters against doc.
func Matches(q Query, doc Document) bool {
	for _, f := range q.Filters {
		got := doc.Field(f.Field)
		if got == nil {
			return false
		}
		gk := Key(got)
		ok := false
		for _, want := range f.In {
			if Key(want) == gk {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Normalize maps named scalar types (such as status enums) onto their
// underlying string, int64, float64 or bool so drivers and comparisons see
// plain values.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

// Key renders a filter value the way every backend compares it.
func Key(v any) string {
	switch x := Normalize(v).(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

// Number converts a sortable field value to float64.
func Number(v any) float64 {
	switch x := Normalize(v).(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}
