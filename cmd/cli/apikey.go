package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anstrom/postalscan/internal/auth"
)

var (
	apiKeyName   string
	apiKeyOutput string
)

// apiKeyCmd groups API key commands.
var apiKeyCmd = &cobra.Command{
	Use:     "apikey",
	Aliases: []string{"apikeys", "key"},
	Short:   "Manage API keys for server authentication",
	Long: `Manage API keys for server authentication.

The server accepts a key when its bcrypt hash is listed under api.api_keys in
the config file. Clients send the key in the X-API-Key header or as a Bearer
token; the jobs commands read it from POSTALSCAN_API_KEY.`,
}

var apiKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its hash",
	Long: `Generate a new API key. The key is printed once; store it safely and add
the printed hash to api.api_keys in the server config.`,
	Example: `  postalscan apikey generate --name "Dashboard"
  postalscan apikey generate --name ci --output json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := validateOutput(apiKeyOutput); err != nil {
			return err
		}
		key, err := auth.GenerateAPIKey(apiKeyName)
		if err != nil {
			return err
		}
		if apiKeyOutput == outputJSON {
			return printJSON(cmd.OutOrStdout(), key)
		}
		printGeneratedKey(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.AddCommand(apiKeyGenerateCmd)

	apiKeyGenerateCmd.Flags().StringVar(&apiKeyName, "name", "", "Name describing the key holder")
	apiKeyGenerateCmd.Flags().StringVarP(&apiKeyOutput, "output", "o", outputTable, "Output format: table or json")
	_ = apiKeyGenerateCmd.MarkFlagRequired("name")
}

func printGeneratedKey(w io.Writer, key *auth.GeneratedAPIKey) {
	fmt.Fprintf(w, "Name:   %s\n", key.Name)
	fmt.Fprintf(w, "Key:    %s\n", key.Key)
	fmt.Fprintf(w, "Prefix: %s\n", key.KeyPrefix)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Add this hash to api.api_keys in the server config:")
	fmt.Fprintf(w, "  - %q\n", key.Hash)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The key is not shown again. Export it for the jobs commands:")
	fmt.Fprintf(w, "  export POSTALSCAN_API_KEY=%s\n", key.Key)
}
