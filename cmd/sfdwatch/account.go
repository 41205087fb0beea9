package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
)

// ErrEmailTaken is returned by signup when the address is already registered.
var ErrEmailTaken = errors.New("email is already registered")

func newSignupCmd(load configLoader) *cobra.Command {
	var req apiclient.SignupRequest

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register a new account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if req.Email == "" {
				if req.Email, err = prompt(cmd.ErrOrStderr(), in, "Email: "); err != nil {
					return err
				}
			}
			req.Email = strings.TrimSpace(req.Email)
			if req.Email == "" {
				return errors.New("email is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.RequestTimeout+5*time.Second)
			defer cancel()
			taken, err := client.CheckEmail(ctx, req.Email)
			if err != nil {
				return fmt.Errorf("checking email: %w", err)
			}
			if taken {
				return fmt.Errorf("%s: %w", req.Email, ErrEmailTaken)
			}

			if req.Name == "" {
				if req.Name, err = prompt(cmd.ErrOrStderr(), in, "Name: "); err != nil {
					return err
				}
			}
			if req.Password == "" {
				if req.Password, err = promptSecret(cmd.ErrOrStderr(), in, "Password: "); err != nil {
					return err
				}
			}
			if req.Name == "" || req.Password == "" {
				return errors.New("name and password are required")
			}

			user, err := client.Signup(ctx, req)
			if err != nil {
				return fmt.Errorf("signup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s; run `sfdwatch login` to sign in\n", displayName(user.Email, req.Email))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password (prompted when empty)")
	cmd.Flags().StringVar(&req.Name, "name", "", "full name")
	cmd.Flags().StringVar(&req.Nickname, "nickname", "", "display nickname")
	cmd.Flags().StringVar(&req.PhoneNumber, "phone", "", "phone number")
	return cmd
}

func newProfileCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the signed-in account",
	}
	cmd.AddCommand(newProfileUpdateCmd(load))
	return cmd
}

func newProfileUpdateCmd(load configLoader) *cobra.Command {
	var (
		req            apiclient.UpdateRequest
		passwordPrompt bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change profile fields of the signed-in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := requireSession(client); err != nil {
				return explain(err)
			}

			if passwordPrompt {
				in := bufio.NewReader(cmd.InOrStdin())
				if req.Password, err = promptSecret(cmd.ErrOrStderr(), in, "New password: "); err != nil {
					return err
				}
				if req.Password == "" {
					return errors.New("new password is empty")
				}
			}
			if req == (apiclient.UpdateRequest{}) {
				return errors.New("nothing to update: pass --name, --nickname, --phone or --password")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+5*time.Second)
			defer cancel()
			user, err := client.UpdateUser(ctx, req)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%s)\n", displayName(user.Nickname, user.Name), user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "new full name")
	cmd.Flags().StringVar(&req.Nickname, "nickname", "", "new nickname")
	cmd.Flags().StringVar(&req.PhoneNumber, "phone", "", "new phone number")
	cmd.Flags().BoolVar(&passwordPrompt, "password", false, "prompt for a new password")
	return cmd
}

func newDomainCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Inspection domain access",
	}
	cmd.AddCommand(newDomainRequestCmd(load))
	return cmd
}

func newDomainRequestCmd(load configLoader) *cobra.Command {
	var req apiclient.DomainRequest

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask for access to an inspection domain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Domain = strings.TrimSpace(req.Domain)
			if req.Domain == "" {
				return errors.New("--domain is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := requireSession(client); err != nil {
				return explain(err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+5*time.Second)
			defer cancel()
			if err := client.RequestDomain(ctx, req); err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requested access to %s\n", req.Domain)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Domain, "domain", "", "domain to request")
	cmd.Flags().StringSliceVar(&req.Category, "category", nil, "defect categories of interest (repeatable)")
	return cmd
}
