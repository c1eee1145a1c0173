package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudvia/keystone-sync/internal/app"
)

// checkCmd verifies connectivity and credentials against both remote
// systems without mutating anything, then exits.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run connectivity diagnostics against the source platform and identity service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		application, err := app.BuildApplicationFromViper(ctx, viper.GetViper())
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		failed := false

		fmt.Printf("Identity service (%s): ", application.Gateway.Type())
		if err := application.Gateway.Probe(ctx); err != nil {
			fmt.Printf("%s %v\n", red("FAILED"), err)
			failed = true
		} else {
			fmt.Println(green("OK"))
		}

		fmt.Printf("Source platform (%s): ", application.Source.Type())
		resources, err := application.Source.ListResources(ctx)
		if err != nil {
			fmt.Printf("%s %v\n", red("FAILED"), err)
			failed = true
		} else {
			fmt.Printf("%s (%d resources visible)\n", green("OK"), len(resources))
		}

		if failed {
			os.Exit(1)
		}
		return nil
	},
}
