package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"edgeattend/internal/syncer"
)

// output writes data as indented JSON or via text.
func output(w io.Writer, opts *RootOptions, data any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(w)
	return nil
}

func printSummary(w io.Writer, s syncer.Summary) {
	if s.Offline {
		fmt.Fprintln(w, "offline: nothing attempted")
		return
	}
	fmt.Fprintf(w, "listed %d, synced %d, failed %d, deferred %d, archived %d, skipped %d\n",
		s.Listed, s.Synced, s.Failed, s.Deferred, s.Archived, s.Skipped)
}
