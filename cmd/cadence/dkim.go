package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/dkim"
	"github.com/foxzi/cadence/internal/dnscheck"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
	dkimBits     int
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate an RSA DKIM key for the smtp channel and print the DNS record to publish.`,
	RunE:  runDKIMGenerate,
}

var dkimCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DKIM and DMARC records of a sending domain",
	Long: `Look up the SPF, DKIM and DMARC records of a domain. With --key the
published DKIM key must match the private key. Without flags the smtp
channel's DKIM settings are used.`,
	RunE: runDKIMCheck,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "cadence", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.Flags().IntVar(&dkimBits, "bits", dkim.DefaultKeyBits, "RSA key size")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "cadence", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCheckCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (default: channels.smtp.dkim.domain)")
	dkimCheckCmd.Flags().StringVar(&dkimSelector, "selector", "", "DKIM selector (default: channels.smtp.dkim.selector)")
	dkimCheckCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Private key to compare (default: channels.smtp.dkim.key_file)")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimCheckCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := dkim.GenerateKey(dkimBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.%s.key", dkimSelector, dkimDomain))
	if err := dkim.SavePrivateKey(key, keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	record, err := dkim.TXTRecord(key)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", dkim.RecordName(dkimSelector, dkimDomain))
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	record, err := dkim.TXTRecord(key)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM DNS Record:\n\n")
	fmt.Printf("  Name: %s\n", dkim.RecordName(dkimSelector, dkimDomain))
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}

func runDKIMCheck(cmd *cobra.Command, args []string) error {
	domain, selector, keyFile := dkimDomain, dkimSelector, dkimKeyFile
	if domain == "" || selector == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d := cfg.Channels.SMTP.DKIM
		if domain == "" {
			domain = d.Domain
		}
		if selector == "" {
			selector = d.Selector
		}
		if keyFile == "" {
			keyFile = d.KeyFile
		}
	}
	if domain == "" {
		return fmt.Errorf("--domain is required when channels.smtp.dkim.domain is not set")
	}

	var key *rsa.PrivateKey
	if keyFile != "" {
		var err error
		if key, err = dkim.LoadPrivateKey(keyFile); err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	report, err := dnscheck.New(nil).CheckSender(ctx, domain, selector, key)
	if err != nil {
		return err
	}
	if err := printReport(os.Stdout, report); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("DNS records of %s are incomplete", report.Domain)
	}
	return nil
}

func printReport(w io.Writer, report *dnscheck.Report) error {
	fmt.Fprintf(w, "DNS check for %s\n\n", report.Domain)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tNAME\tSTATUS\tDETAILS")
	for _, r := range report.Results {
		detail := r.Message
		if detail == "" {
			detail = r.Value
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Type, r.Name, r.Status, detail)
	}
	return tw.Flush()
}
