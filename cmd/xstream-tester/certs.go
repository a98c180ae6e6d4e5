package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/spf13/cobra"
)

func newGenCACmd() *cobra.Command {
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "gen-ca <dir>",
		Short: "Generate a CA certificate and key into dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}

			ca, err := xcert.GenerateCA(xcert.CAConfig{ValidFor: validFor})
			if err != nil {
				return err
			}

			if err := writePair(dir, "ca", ca.CertPEM, ca.KeyPEM); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote CA to %s\n", dir)
			return nil
		},
	}

	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "CA validity period")
	return cmd
}

func newGenCertCmd() *cobra.Command {
	var (
		validFor time.Duration
		ips      []net.IP
	)

	cmd := &cobra.Command{
		Use:   "gen-cert <ca-dir> <name>",
		Short: "Generate a node certificate signed by the CA in ca-dir",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, name := args[0], args[1]

			ca, err := loadCA(dir)
			if err != nil {
				return err
			}

			leaf, err := ca.CreateLeaf(xcert.LeafConfig{
				ValidFor:    validFor,
				DNSNames:    []string{name},
				IPAddresses: ips,
			})
			if err != nil {
				return err
			}

			if err := writePair(dir, name, leaf.CertPEM, leaf.KeyPEM); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote certificate for peer %s\n", leaf.ID().Hex())
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVar(&validFor, "valid-for", 30*24*time.Hour, "certificate validity period")
	f.IPSliceVar(&ips, "ip", []net.IP{net.IPv4(127, 0, 0, 1)}, "IP addresses to include in the certificate")
	return cmd
}

func loadCA(dir string) (*xcert.CA, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "ca-key.pem"))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	return xcert.LoadCA(certPEM, keyPEM)
}

func writePair(dir, name string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name+".pem"), certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+"-key.pem"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}
