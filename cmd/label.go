package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/distguard/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:         "label <source> <name>",
	Short:       "Give an analysed source a name usable in place of its ID",
	Args:        cobra.ExactArgs(2),
	Annotations: needsDB,
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, ref, name string) {
	id, err := DB.ResolveSource(ctx, ref)
	if err != nil {
		utils.Die("Unknown source", err, nil)
	}
	if err := DB.LabelSource(ctx, id, name); err != nil {
		utils.Die("Failed to label source", err, nil)
	}
	fmt.Printf("✅ Source %s labeled as '%s'\n", shortID(id), name)
}
