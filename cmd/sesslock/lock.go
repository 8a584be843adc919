package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-sesslock/v1/lock"
)

var (
	lockCmd = &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manipulate leases directly",
	}

	lockAcquireCmd = &cobra.Command{
		Use:   "acquire <key>",
		Short: "Acquire a lease and print the holder identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			if holder == "" {
				var err error
				if holder, err = lock.NewHolder(); err != nil {
					return err
				}
			}
			return withBackend(cmd, func(b *backend) error {
				ok, err := b.leases.Acquire(cmd.Context(), args[0], holder)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("lease %s not acquired within %s", args[0], b.leases.MaxWait())
				}
				fmt.Fprintln(cmd.OutOrStdout(), holder)
				return nil
			})
		},
	}

	lockReleaseCmd = &cobra.Command{
		Use:   "release <key>",
		Short: "Release a lease held by --holder, or any lease with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			force, _ := cmd.Flags().GetBool("force")
			if holder == "" && !force {
				return errors.New("release needs --holder or --force")
			}
			return withBackend(cmd, func(b *backend) error {
				released, err := b.leases.Release(cmd.Context(), args[0], holder, force)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), released)
				return nil
			})
		},
	}

	lockCheckCmd = &cobra.Command{
		Use:   "check <key>",
		Short: "Report whether a lease exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b *backend) error {
				held, err := b.leases.Check(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), held)
				return nil
			})
		},
	}
)

func init() {
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockCheckCmd)
	lockAcquireCmd.Flags().String("holder", "", "holder identity (generated when empty)")
	lockReleaseCmd.Flags().String("holder", "", "holder identity that acquired the lease")
	lockReleaseCmd.Flags().Bool("force", false, "delete the lease whoever holds it")
}

func withBackend(cmd *cobra.Command, fn func(*backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}
