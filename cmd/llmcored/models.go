package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"OpenLLM-Core/internal/catalog"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "列出模型目录中的全部模型",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "以 JSON 输出")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	models := cat.Models()

	if modelsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tTAG\tWINDOW\tINPUT\tOUTPUT\tREASONING")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%g\t%g\t%s\n",
			m.ID, m.Provider, m.Tag, m.TokenWindow, m.InputPrice, m.OutputPrice, m.Reasoning)
	}
	return tw.Flush()
}
