// -- cmd/patterns.go --
package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	patternCategory string
	patternPrompt   string
	patternAction   string
	exportOutput    string
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and manage learned patterns on a running agent.",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/patterns"
		if patternCategory != "" {
			path += "?category=" + patternCategory
		}
		body, err := apiRequest(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a pattern directly from a prompt and an action descriptor.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if patternPrompt == "" || patternAction == "" {
			return fmt.Errorf("--prompt and --action are required")
		}
		payload, err := json.Marshal(map[string]any{
			"prompt":   patternPrompt,
			"category": patternCategory,
			"action":   jsoniter.RawMessage(patternAction),
		})
		if err != nil {
			return fmt.Errorf("invalid action JSON: %w", err)
		}
		body, err := apiRequest(http.MethodPost, "/api/v1/patterns", payload)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var patternsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a pattern by id.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiRequest(http.MethodDelete, "/api/v1/patterns/"+args[0], nil); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

var patternsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all patterns as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiRequest(http.MethodGet, "/api/v1/patterns/export", nil)
		if err != nil {
			return err
		}
		if exportOutput == "" {
			_, err = os.Stdout.Write(body)
			return err
		}
		if err := os.WriteFile(exportOutput, body, 0o600); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Println("exported to", exportOutput)
		return nil
	},
}

var patternsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import patterns from an export file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}
		body, err := apiRequest(http.MethodPost, "/api/v1/patterns/import", data)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

func init() {
	patternsListCmd.Flags().StringVar(&patternCategory, "category", "", "filter by category")
	patternsAddCmd.Flags().StringVar(&patternPrompt, "prompt", "", "prompt text the pattern responds to")
	patternsAddCmd.Flags().StringVar(&patternCategory, "category", "", "pattern category")
	patternsAddCmd.Flags().StringVar(&patternAction, "action", "", "action descriptor JSON")
	patternsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write export to file instead of stdout")

	patternsCmd.AddCommand(patternsListCmd, patternsAddCmd, patternsDeleteCmd, patternsExportCmd, patternsImportCmd)
	rootCmd.AddCommand(patternsCmd)
}

// apiRequest calls the control surface of a running agent.
func apiRequest(method, path string, body []byte) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	url := "http://" + appConfig.Server.Addr + path

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-ID", "nexus-agent-cli")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the agent running? request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return data, nil
}

func printJSON(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = os.Stdout.Write(body)
		return err
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
