package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jmerrifield20/BlockWitness/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	outputFormat string
	timeout      time.Duration
	insecure     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bwctl",
	Short: "BlockWitness evidence ledger CLI",
	Long: `bwctl is the command-line interface for a BlockWitness server.

It submits incident reports with evidence files, checks whether a file was
recorded, fetches Merkle proofs and signed certificates, and audits the chain.
Proofs and certificates can be verified locally without trusting the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.bwctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("BWCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}

		switch outputFormat {
		case "text", "json", "yaml":
			return nil
		}
		return fmt.Errorf("unsupported --format %q (want text, json or yaml)", outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.bwctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "BlockWitness server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(pubkeyCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bwctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bwctl %s (BlockWitness)\n", version)
	},
}

// ── output helpers ───────────────────────────────────────────────────────────

// render writes v as json or yaml, or calls text for the text format.
func render(w io.Writer, v any, text func(io.Writer) error) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return writeYAML(w, v)
	default:
		return text(w)
	}
}

// writeYAML encodes v via its json tags so yaml keys match the API.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

func ok(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString("✓ ")+fmt.Sprintf(format, args...))
}

func fail(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.RedString("✗ ")+fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.YellowString("! ")+fmt.Sprintf(format, args...))
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "…"
}

func fileNames(files []client.EvidenceFile) string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Filename
	}
	return strings.Join(names, ", ")
}
