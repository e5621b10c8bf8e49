package main

import (
	"io"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"batchload/internal/probe"
	"batchload/internal/runner"
	"batchload/internal/storage"
)

const tabwriterPadding = 2

func renderResults(w io.Writer, results []runner.Result) {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, tabwriterPadding, ' ', 0)

	p.Fprintln(tw, "LOAD\tTABLE\tLOAD ID\tSTATUS\tPROCESSED\tINSERTED\tUPDATED\tBYTES\tDURATION\tERROR")
	for _, r := range results {
		p.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Name, r.Table, r.LoadID, r.Status,
			r.RowsProcessed, r.RowsInserted, r.RowsUpdated, r.SourceBytes,
			r.Duration.Truncate(time.Millisecond), r.ErrorMessage)
	}
	_ = tw.Flush()
}

func renderBatches(w io.Writer, batches []storage.BatchRecord) {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, tabwriterPadding, ' ', 0)

	p.Fprintln(tw, "BATCH\tTABLE\tSTATUS\tRECORDS\tPROCESSED\tINSERTED\tUPDATED\tFAILED\tSTARTED\tCOMPLETED\tERROR")
	for _, b := range batches {
		completed := "-"
		if b.CompletedAt != nil {
			completed = b.CompletedAt.Format(time.RFC3339)
		}
		p.Fprintf(tw, "%d/%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			b.Number, b.TotalBatches, b.Table, b.Status,
			b.RecordCount, b.Processed, b.Inserted, b.Updated, b.Failed,
			b.StartedAt.Format(time.RFC3339), completed, b.Error)
	}
	_ = tw.Flush()
}

func renderProbe(w io.Writer, rep probe.Report) {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, tabwriterPadding, ' ', 0)

	p.Fprintf(tw, "records=%d primary_key=%s\n", rep.Records, rep.PrimaryKey)
	p.Fprintln(tw, "COLUMN\tKIND\tDECLARED\tNON-EMPTY\tDISTINCT")
	for _, c := range rep.Columns {
		distinct := p.Sprintf("%d", c.Distinct)
		if c.Capped {
			distinct = ">" + distinct
		}
		p.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.Name, c.Kind, c.Kind.DeclaredType(), c.NonEmpty, distinct)
	}
	_ = tw.Flush()
}
