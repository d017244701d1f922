package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"channelgate/internal/identity"
	"channelgate/internal/models"
	"channelgate/internal/vault"
)

const maxStdinBytes = 1 << 20

func newVaultCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Encrypt or decrypt channel credential records",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt",
			Short: "Read credentials as a JSON object on stdin and print the vault record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, err := openVault(opts)
				if err != nil {
					return err
				}
				raw, err := readStdin(cmd)
				if err != nil {
					return err
				}
				var creds models.Credentials
				if err := json.Unmarshal(raw, &creds); err != nil {
					return fmt.Errorf("credentials must be a JSON object of strings: %w", err)
				}
				record, err := v.Encrypt(creds)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), record)
				return err
			},
		},
		&cobra.Command{
			Use:   "decrypt",
			Short: "Read a vault record on stdin and print the credentials as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, err := openVault(opts)
				if err != nil {
					return err
				}
				raw, err := readStdin(cmd)
				if err != nil {
					return err
				}
				creds, err := v.Decrypt(strings.TrimSpace(string(raw)))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(creds)
			},
		},
	)
	return cmd
}

func openVault(opts *rootOptions) (*vault.Vault, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	return vault.New(cfg.Vault.Secret)
}

func readStdin(cmd *cobra.Command) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxStdinBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return raw, nil
}

type tokenOptions struct {
	userID      string
	orgID       string
	tier        string
	permissions []string
	ttl         time.Duration
}

// newTokenCmd mints a locally signed token for development clients.
func newTokenCmd(opts *rootOptions) *cobra.Command {
	t := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token signed with identity.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			issuer, err := identity.NewJWTValidator(cfg.Identity.JWTSecret)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(identity.Identity{
				UserID:         t.userID,
				OrganizationID: t.orgID,
				Tier:           t.tier,
				Permissions:    t.permissions,
			}, t.ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&t.userID, "user", "", "User id claim")
	cmd.Flags().StringVar(&t.orgID, "org", "", "Organization id claim")
	cmd.Flags().StringVar(&t.tier, "tier", "", "Tier claim")
	cmd.Flags().StringSliceVar(&t.permissions, "permission", nil, "Granted permission (repeatable)")
	cmd.Flags().DurationVar(&t.ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
