package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bfineran/yolact/sparse"
)

var recipeSource string // recipe file path or zoo: stub to resolve

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Resolve a sparsification recipe and print its canonical form",
	Long: `Resolve a sparsification recipe from a local file or a zoo: stub,
parse it, and print the canonical YAML with every eval() expression folded
into its value. Use this to check what schedule a recipe actually encodes
before training or exporting with it.`,
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		manager, err := sparse.FromFile(recipeSource)
		if err != nil {
			logrus.Fatalf("Recipe resolution failed: %v", err)
		}
		logrus.Debugf("Recipe carries %d modifiers over %d epochs",
			len(manager.Recipe().Modifiers), manager.MaxEpochs())
		fmt.Print(manager.String())
	},
}

func init() {
	recipeCmd.Flags().StringVarP(&recipeSource, "recipe", "r", "",
		"recipe file path or zoo: stub, e.g. zoo:yolact/pruned82_quant")
	_ = recipeCmd.MarkFlagRequired("recipe")

	rootCmd.AddCommand(recipeCmd)
}
