package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"authsync-service/internal/domain/auth"
	xerrors "authsync-service/internal/pkg/errors"
)

func newSignUpCommand(e *env) *cobra.Command {
	var req auth.SignUpRequest
	cmd := &cobra.Command{
		Use:   "signup",
		Args:  cobra.NoArgs,
		Short: "Register with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := e.client.Auth.SignUp(cmd.Context(), &req)
			if err != nil {
				return err
			}
			if resp.RequiresOTP {
				fmt.Fprintf(e.out, "check %s for a 6-digit code, then run: authctl verify --email %s --code <code>\n", resp.Email, resp.Email)
				return nil
			}
			return e.print(resp)
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	cmd.Flags().StringVar(&req.Password, "password", "", "password (min 8 characters)")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newVerifyCommand(e *env) *cobra.Command {
	var email, code string
	var resend bool
	cmd := &cobra.Command{
		Use:   "verify",
		Args:  cobra.NoArgs,
		Short: "Enter the signup code (or request a new one with --resend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := e.client.BeginChallenge(cmd.Context(), email)
			defer e.client.EndChallenge()

			if resend {
				state, err := m.Resend(cmd.Context())
				if errors.Is(err, xerrors.ErrResendUnavailable) {
					return fmt.Errorf("a new code can be requested in %ds: %w", state.RemainingSeconds, err)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(e.out, "a new code has been sent")
				return nil
			}

			state, err := m.Paste(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("verification %s: %w", state.Status, err)
			}
			view, err := e.settled(cmd.Context(), signedIn)
			if err != nil {
				return err
			}
			return e.print(auth.NewViewResponse(view))
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address the code was sent to")
	cmd.Flags().StringVar(&code, "code", "", "6-digit code")
	cmd.Flags().BoolVar(&resend, "resend", false, "request a new code instead")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSignInCommand(e *env) *cobra.Command {
	var req auth.SignInRequest
	cmd := &cobra.Command{
		Use:   "signin",
		Args:  cobra.NoArgs,
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := e.client.Auth.SignIn(cmd.Context(), &req); err != nil {
				return err
			}
			view, err := e.settled(cmd.Context(), signedIn)
			if err != nil {
				return err
			}
			return e.print(auth.NewViewResponse(view))
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	cmd.Flags().StringVar(&req.Password, "password", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newWhoAmICommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Args:  cobra.NoArgs,
		Short: "Show the stored session and profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := e.settled(cmd.Context(), nil)
			if err != nil {
				return err
			}
			return e.print(auth.NewViewResponse(view))
		},
	}
}

func newWatchCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Args:  cobra.NoArgs,
		Short: "Print every auth state change until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ch, unsubscribe := e.client.Auth.Subscribe()
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return nil
				case v, ok := <-ch:
					if !ok {
						return nil
					}
					if err := e.print(auth.NewViewResponse(v)); err != nil {
						return err
					}
				}
			}
		},
	}
}

func newSignOutCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Args:  cobra.NoArgs,
		Short: "Sign out and clear all local auth state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.client.Auth.SignOut(cmd.Context()); err != nil {
				fmt.Fprintln(e.out, "signed out locally")
				return err
			}
			fmt.Fprintln(e.out, "signed out")
			return nil
		},
	}
}

func newResetPasswordCommand(e *env) *cobra.Command {
	var req auth.ResetPasswordRequest
	cmd := &cobra.Command{
		Use:   "reset-password",
		Args:  cobra.NoArgs,
		Short: "Send a password recovery email",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.client.Auth.ResetPassword(cmd.Context(), &req); err != nil {
				return err
			}
			fmt.Fprintln(e.out, "if the account exists, a reset email has been sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRefreshCommand(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Args:  cobra.NoArgs,
		Short: "Re-read the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.client.Auth.RefreshProfile(cmd.Context(), force); err != nil {
				return err
			}
			view, err := e.settled(cmd.Context(), nil)
			if err != nil {
				return err
			}
			return e.print(auth.NewViewResponse(view))
		},
	}
	cmd.Flags().BoolVar(&force, "force", true, "bypass the profile cache")
	return cmd
}
