package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/device"
	"github.com/bryanchriswhite/framegrab/internal/stage"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List device backends and local capture nodes",
	Long: `List the URI schemes this build can open, the V4L2 device nodes
present on this machine, and the built-in stage analyzers.`,
	Example: `  # Table output (default)
  framegrab list

  # JSON output
  framegrab list --format json`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

type listing struct {
	Schemes   []string `json:"schemes"`
	Devices   []string `json:"devices"`
	Analyzers []string `json:"analyzers"`
}

func runList(cmd *cobra.Command, args []string) error {
	nodes, _ := filepath.Glob("/dev/video*")
	l := listing{
		Schemes:   device.Schemes(),
		Devices:   nodes,
		Analyzers: stage.AnalyzerNames(),
	}
	if l.Devices == nil {
		l.Devices = []string{}
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(l)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tURI")
		for _, s := range l.Schemes {
			fmt.Fprintf(w, "scheme\t%s\t%s://\n", s, s)
		}
		for _, d := range l.Devices {
			fmt.Fprintf(w, "device\t%s\tv4l2://%s\n", filepath.Base(d), d)
		}
		for _, a := range l.Analyzers {
			fmt.Fprintf(w, "analyzer\t%s\t-\n", a)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}
