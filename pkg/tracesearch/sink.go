package tracesearch

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// ResultSink receives the rows of a search.
type ResultSink interface {
	// Initialize starts a new result table.
	Initialize(title string)
	// AddColumn appends a column of the given width, in characters.
	AddColumn(width int, title string)
	// AddRow appends a row, one cell per column.
	AddRow(cells ...string)
	// Progress reports the percentage of the search done.
	Progress(percent int)
}

// TableSink prints results as an aligned table once Flush is called.
type TableSink struct {
	w       *tabwriter.Writer
	out     io.Writer
	title   string
	columns []string
	rows    int

	// OnProgress, if set, is called for every progress report.
	OnProgress func(percent int)
}

// NewTableSink returns a sink writing to out.
func NewTableSink(out io.Writer) *TableSink {
	return &TableSink{out: out}
}

// Initialize implements ResultSink.
func (ts *TableSink) Initialize(title string) {
	ts.title = title
	ts.columns = ts.columns[:0]
	ts.rows = 0
	ts.w = tabwriter.NewWriter(ts.out, 0, 8, 2, ' ', 0)
}

// AddColumn implements ResultSink.
func (ts *TableSink) AddColumn(width int, title string) {
	ts.columns = append(ts.columns, title)
}

// AddRow implements ResultSink.
func (ts *TableSink) AddRow(cells ...string) {
	if ts.w == nil {
		ts.Initialize("")
	}
	if ts.rows == 0 {
		if ts.title != "" {
			fmt.Fprintln(ts.out, ts.title)
		}
		fmt.Fprintln(ts.w, strings.Join(ts.columns, "\t"))
	}
	fmt.Fprintln(ts.w, strings.Join(cells, "\t"))
	ts.rows++
}

// Progress implements ResultSink.
func (ts *TableSink) Progress(percent int) {
	if ts.OnProgress != nil {
		ts.OnProgress(percent)
	}
}

// Rows returns the number of rows added since Initialize.
func (ts *TableSink) Rows() int { return ts.rows }

// Flush writes the table.
func (ts *TableSink) Flush() error {
	if ts.w == nil {
		return nil
	}
	return ts.w.Flush()
}
