package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
	"github.com/alanyoungcy/brokersync/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage credential encryption keys",
}

var vaultGenKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Print a new random master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var vaultFingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the fingerprint of the configured master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		key, err := vault.LoadKey(cfg.Vault.MasterKey, cfg.Vault.FallbackSecret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), vault.Fingerprint(key))
		return nil
	},
}

var encryptPlatform string

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a JSON credential set read from stdin",
	Long: `Reads a JSON object of credential fields from stdin, checks it carries
every field the platform requires, and prints the encrypted blob.

Example:
  echo '{"username":"u","password":"p","device_id":"d"}' | brokerctl vault encrypt --platform tradovate`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := domain.Platform(encryptPlatform)
		if !p.Valid() {
			return fmt.Errorf("unknown platform %q", encryptPlatform)
		}
		raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
		if err != nil {
			return err
		}
		var creds domain.Credentials
		if err := json.Unmarshal(raw, &creds); err != nil {
			return fmt.Errorf("decode credentials: %w", err)
		}
		defer creds.Wipe()
		if err := provider.CheckCredentials(p, creds); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := loadVault(cfg.Vault.MasterKey, cfg.Vault.FallbackSecret)
		if err != nil {
			return err
		}
		blob, err := v.Encrypt(creds)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), blob)
		return nil
	},
}

func loadVault(master, fallback string) (*vault.Vault, error) {
	key, err := vault.LoadKey(master, fallback)
	if err != nil {
		return nil, err
	}
	return vault.New(key)
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultGenKeyCmd, vaultFingerprintCmd, vaultEncryptCmd)
	vaultEncryptCmd.Flags().StringVarP(&encryptPlatform, "platform", "p", "", "target platform (required)")
	_ = vaultEncryptCmd.MarkFlagRequired("platform")
}
