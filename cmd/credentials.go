package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drgo/dataget/credstore"
)

func (app *cliApp) credentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the logins used for basic authentication",
	}
	cmd.PersistentFlags().String("credentials", "", "Credential store (default ~/.dataget/credentials.env)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add HOST LOGIN PASSWORD",
			Short: "Store a login for a host, replacing any existing one",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withStore(cmd, func(s *credstore.Store) error {
					if err := s.Add(args[0], args[1], args[2]); err != nil {
						return err
					}
					app.logger.Infof("stored login for %s in %s", args[0], s.Path())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove HOST",
			Short: "Delete the login stored for a host",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withStore(cmd, func(s *credstore.Store) error {
					removed, err := s.Remove(args[0])
					if err != nil {
						return err
					}
					if !removed {
						app.logger.Warnf("no login stored for %s", args[0])
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the hosts with a stored login",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withStore(cmd, func(s *credstore.Store) error {
					hosts, err := s.Hosts()
					if err != nil {
						return err
					}
					for _, h := range hosts {
						login, _, _ := s.Lookup(h)
						fmt.Fprintf(app.out, "%s\t%s\n", h, login)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every stored login",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withStore(cmd, func(s *credstore.Store) error {
					return s.Clear()
				})
			},
		},
	)
	return cmd
}

// withStore opens the credential store, runs fn and saves the result.
func (app *cliApp) withStore(cmd *cobra.Command, fn func(*credstore.Store) error) error {
	path, _ := cmd.Flags().GetString("credentials")
	if path == "" {
		var err error
		if path, err = credstore.DefaultPath(); err != nil {
			return err
		}
	}
	s, err := credstore.Open(path)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		_ = s.Close()
		return err
	}
	return s.Close()
}
