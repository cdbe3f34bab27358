// -- cmd/status.go --
package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running agent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiRequest(http.MethodGet, "/api/v1/agent/status", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
