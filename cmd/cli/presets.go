package cli

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsim/internal/ports"
)

var presetsFormat string

// presetsCmd represents the presets command
var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the available port presets",
	Example: `  portsim presets
  portsim presets --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if presetsFormat == formatJSON {
			return writeIndentedJSON(cmd.OutOrStdout(), ports.Presets())
		}
		return writePresetTable(cmd.OutOrStdout(), ports.Presets())
	},
}

func init() {
	rootCmd.AddCommand(presetsCmd)
	presetsCmd.Flags().StringVarP(&presetsFormat, "format", "f", formatTable, "output format: table or json")
}

func writePresetTable(w io.Writer, presets []ports.Preset) error {
	table := tablewriter.NewWriter(w)
	table.Header("Preset", "Ports", "Description")
	for _, p := range presets {
		count := strconv.Itoa(p.Count)
		if p.Name == ports.PresetCustom {
			count = "-"
		}
		_ = table.Append([]string{p.Name, count, p.Description})
	}
	return table.Render()
}

func writeIndentedJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
