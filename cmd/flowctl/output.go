package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Output formats command results as tables or JSON.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput creates an Output writing data to w and messages to errW.
func NewOutput(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print writes a table, or jsonData in JSON mode.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table writes rows aligned under headers.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Info writes a message to the message stream. Suppressed in JSON mode.
func (o *Output) Info(format string, args ...any) {
	if o.jsonMode {
		return
	}
	fmt.Fprintf(o.errW, format+"\n", args...)
}
