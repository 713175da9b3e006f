package cmd

import (
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/service/status"
)

// isTerminal reports whether writer is an interactive terminal.
func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}

	fd := file.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderStatus draws the persisted keys as a two-column table.
func renderStatus(snapshot *status.Snapshot) string {
	lastUpdate := snapshot.LastUpdateTime
	if lastUpdate == "" {
		lastUpdate = "never"
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Key", "Value"})
	tw.AppendRows([]table.Row{
		{update.KeyUpdateAvailable, strconv.FormatBool(snapshot.UpdateAvailable)},
		{update.KeyUpdateFailedCount, strconv.Itoa(snapshot.FailedCount)},
		{update.KeyLastUpdateTime, lastUpdate},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})

	return tw.Render()
}
