package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
	"github.com/tinytelemetry/sfdwatch/internal/authstore"
	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/normalize"
	"github.com/tinytelemetry/sfdwatch/internal/stream"
)

const loginHint = "session expired or not logged in; run `sfdwatch login` first"

// ErrNotLoggedIn is returned by commands that need a stored session.
var ErrNotLoggedIn = errors.New("not logged in")

// newNormalizer builds the label table and normalizer shared by every command.
func newNormalizer(cfg appConfig) (*normalize.Normalizer, error) {
	table, err := labels.Load(cfg.Locale, cfg.LabelsFile)
	if err != nil {
		return nil, fmt.Errorf("loading labels: %w", err)
	}
	return normalize.New(table), nil
}

func newClient(cfg appConfig) (*apiclient.Client, error) {
	auth, err := authstore.Open(cfg.AuthPath)
	if err != nil {
		return nil, fmt.Errorf("opening auth store: %w", err)
	}
	norm, err := newNormalizer(cfg)
	if err != nil {
		return nil, err
	}
	return apiclient.New(apiclient.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.RequestTimeout,
		UserAgent:  "sfdwatch/" + version,
		Normalizer: norm,
	}, auth)
}

// newSubscriber returns a fresh single-use stream subscription for client.
func newSubscriber(cfg appConfig, client *apiclient.Client) *stream.Subscriber {
	return stream.New(stream.Config{
		URL:     client.URL(cfg.StreamPath),
		Event:   cfg.StreamEvent,
		Client:  client.StreamClient(),
		Headers: client.AuthHeader,
		Reconnect: stream.ReconnectPolicy{
			Enabled:     cfg.Reconnect,
			MaxInterval: cfg.ReconnectMaxInterval,
		},
		ConnectTimeout: cfg.ConnectTimeout,
		Disconnect:     client.Disconnect,
	})
}

func requireSession(client *apiclient.Client) error {
	if _, ok := client.Auth().Token(); !ok {
		return ErrNotLoggedIn
	}
	return nil
}

// explain maps auth failures to the login hint.
func explain(err error) error {
	if errors.Is(err, apiclient.ErrSessionExpired) || errors.Is(err, ErrNotLoggedIn) {
		return fmt.Errorf("%s: %w", loginHint, err)
	}
	return err
}

func newLoginCmd(load configLoader) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
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
			if email == "" {
				if email, err = prompt(cmd.ErrOrStderr(), in, "Email: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = promptSecret(cmd.ErrOrStderr(), in, "Password: "); err != nil {
					return err
				}
			}
			if email == "" || password == "" {
				return errors.New("email and password are required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+5*time.Second)
			defer cancel()
			user, err := client.Login(ctx, email, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", displayName(user.Nickname, user.Name), user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when empty)")
	return cmd
}

func newLogoutCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := client.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(load configLoader) *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
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

			user, ok := client.Auth().User()
			if !cached || !ok {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+5*time.Second)
				defer cancel()
				if user, err = client.UserInfo(ctx); err != nil {
					return explain(err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:     %s\n", displayName(user.Name, user.Nickname))
			fmt.Fprintf(out, "Nickname: %s\n", user.Nickname)
			fmt.Fprintf(out, "Email:    %s\n", user.Email)
			if user.Domain != "" {
				fmt.Fprintf(out, "Domain:   %s\n", user.Domain)
			}
			fmt.Fprintf(out, "Server:   %s\n", client.BaseURL())
			return nil
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "print the cached profile without calling the server")
	return cmd
}

func displayName(first, fallback string) string {
	if first != "" {
		return first
	}
	return fallback
}

func prompt(w io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(w, label)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(w io.Writer, in *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(w, in, label)
	}
	fmt.Fprint(w, label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
