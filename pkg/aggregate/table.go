package aggregate

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Columns returns the fixed columns followed by the arg columns and any
// other columns present in rows, each extra group sorted by name.
func Columns(rows []Row) []string {
	extra := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			if !slices.Contains(fixedColumns, k) {
				extra[k] = true
			}
		}
	}

	var args, others []string
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		if strings.HasPrefix(k, ArgPrefix) {
			args = append(args, k)
		} else {
			others = append(others, k)
		}
	}

	columns := slices.Clone(fixedColumns)
	columns = append(columns, args...)
	return append(columns, others...)
}

// SortRows sorts rows in place by the given columns in order. Values that
// both parse as numbers compare numerically. The sort is stable.
func SortRows(rows []Row, keys []string) {
	slices.SortStableFunc(rows, func(a, b Row) int {
		for _, key := range keys {
			if c := compareValues(a[key], b[key]); c != 0 {
				return c
			}
		}
		return 0
	})
}

func compareValues(a, b string) int {
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return cmp.Compare(x, y)
	}
	return strings.Compare(a, b)
}

// WriteCSV writes a header and one record per row. Without columns, all
// columns of the rows are written.
func WriteCSV(w io.Writer, rows []Row, columns []string) error {
	if len(columns) == 0 {
		columns = Columns(rows)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	record := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			record[i] = row[c]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// TemplateData is what summary templates are executed with.
type TemplateData struct {
	Columns []string
	Rows    []Row
}

// WriteTemplate renders rows through a text/template with the sprig
// functions available. Without columns, all columns of the rows are given.
func WriteTemplate(w io.Writer, rows []Row, columns []string, text string) error {
	tmpl, err := template.New("summary").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return fmt.Errorf("parsing summary template: %w", err)
	}

	if len(columns) == 0 {
		columns = Columns(rows)
	}
	if err := tmpl.Execute(w, TemplateData{Columns: columns, Rows: rows}); err != nil {
		return fmt.Errorf("executing summary template: %w", err)
	}
	return nil
}
