package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/tiercache/admin"
	"github.com/jonwraymond/tiercache/config"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with TIERCACHE_ADMIN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if !cfg.Admin.Enabled() {
				return errors.New("TIERCACHE_ADMIN_SECRET is not set")
			}
			v, err := admin.NewVerifier(admin.TokenConfig{
				Secret:   []byte(cfg.Admin.Secret),
				Issuer:   cfg.Admin.Issuer,
				Audience: cfg.Admin.Audience,
			})
			if err != nil {
				return err
			}
			tok, err := v.Issue(subject, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{admin.ScopeRead}, "granted scopes (cache:read, cache:write)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
