package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"

	"github.com/23skdu/longbow-infini/internal/engine"
)

const previewDims = 10

// Report is the JSON shape of a finished run, shared by run and serve.
type Report struct {
	RunID    string    `json:"run_id"`
	Backend  string    `json:"backend"`
	Tokens   int       `json:"tokens"`
	Segments int       `json:"segments"`
	Empty    bool      `json:"empty"`
	Average  []float32 `json:"average,omitempty"`
}

func newReport(runID, backend string, res engine.Result) Report {
	return Report{
		RunID:    runID,
		Backend:  backend,
		Tokens:   res.Tokens,
		Segments: res.Segments,
		Empty:    res.Empty,
		Average:  res.Average,
	}
}

func writeReport(w io.Writer, format string, r Report) error {
	switch format {
	case "", "text":
		return writeText(w, r)
	case "json":
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "table":
		return writeTable(w, r)
	default:
		return fmt.Errorf("unknown output format %q (text, json, table)", format)
	}
}

func writeText(w io.Writer, r Report) error {
	if r.Empty {
		_, err := fmt.Fprintln(w, "No tokens processed.")
		return err
	}
	n := min(previewDims, len(r.Average))
	vals := make([]string, n)
	for i := range vals {
		vals[i] = fmt.Sprintf("%.4f", r.Average[i])
	}
	_, err := fmt.Fprintf(w, "Processed %d tokens, final avg of first %d dims:\n%s\n", r.Tokens, n, strings.Join(vals, " "))
	return err
}

func writeTable(w io.Writer, r Report) error {
	if r.Empty {
		_, err := fmt.Fprintln(w, "No tokens processed.")
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"DIM", "AVERAGE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, v := range r.Average {
		table.Append([]string{strconv.Itoa(i), fmt.Sprintf("%.6f", v)})
	}
	table.SetFooter([]string{"TOKENS", strconv.Itoa(r.Tokens)})
	table.Render()
	return nil
}
