// Package export renders stored findings for the operator: CSV and JSON
// files for downstream tooling, and an aligned table for the terminal.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/dredge/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format selects the export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q (want csv or json)", s)
}

// Write renders the findings in the given format.
func Write(w io.Writer, findings []schemas.Finding, format Format) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, findings)
	case FormatJSON:
		return writeJSON(w, findings)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func writeCSV(w io.Writer, findings []schemas.Finding) error {
	cw := csv.NewWriter(w)
	header := []string{"target", "rule_name", "severity", "matched_path", "evidence", "first_seen", "last_seen"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, f := range findings {
		record := []string{
			f.Target,
			f.RuleName,
			string(f.Severity),
			f.MatchedPath,
			f.Evidence,
			f.FirstSeen.UTC().Format(time.RFC3339),
			f.LastSeen.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, findings []schemas.Finding) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(findings)
}

// Table prints findings as an aligned terminal table.
func Table(w io.Writer, findings []schemas.Finding) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tRULE\tSEVERITY\tPATH\tLAST SEEN")
	for _, f := range findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			f.Target, f.RuleName, f.Severity, f.MatchedPath,
			f.LastSeen.UTC().Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d finding(s)\n", len(findings))
	return err
}
