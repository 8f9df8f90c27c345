package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"lectern/internal/arbiter"
	"lectern/internal/directory"
)

func cmdLogin(ctx context.Context, opts options, rest []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("username", "", "account username (prompted when empty)")
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}

	p := newPrompter()

	u := *username
	if u == "" {
		var err error
		u, err = p.line("Username: ")
		if err != nil {
			return err
		}
	}
	pw, err := p.secret("Password: ")
	if err != nil {
		return err
	}

	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.arb.AttemptLogin(ctx, u, pw, "")
	if err != nil {
		return err
	}

	switch res.Outcome {
	case arbiter.OutcomeSuccess:
		fmt.Printf("signed in as %s (%s)\n", res.User.Username, res.User.Role)
		return nil

	case arbiter.OutcomeFailure:
		return res.Reason

	case arbiter.OutcomePendingRequest:
		fmt.Fprintf(os.Stderr, "account already has an active session; waiting for approval (request %s)\n", res.RequestID)

		status, err := c.arb.AwaitDecision(ctx, res.RequestID)
		if err != nil {
			return err
		}
		if err := decisionErr(status); err != nil {
			return err
		}

		final, err := c.arb.LoginWithApproval(ctx, u, pw, res.NewSessionToken)
		if err != nil {
			return err
		}
		if final.Outcome != arbiter.OutcomeSuccess {
			return fmt.Errorf("login did not complete: %s", final.Outcome)
		}
		fmt.Printf("signed in as %s (%s)\n", final.User.Username, final.User.Role)
		return nil

	default:
		return fmt.Errorf("unexpected login outcome: %s", res.Outcome)
	}
}

// decisionErr maps a terminal request status to the login command's outcome.
func decisionErr(status directory.Status) error {
	if status == directory.StatusRejected {
		return fmt.Errorf("login rejected by the active session: %w", arbiter.ErrRequestRejected)
	}
	return nil
}

func cmdLogout(ctx context.Context, opts options) error {
	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	if _, ok, err := c.arb.Restore(ctx); err != nil {
		return err
	} else if !ok {
		fmt.Println("no session to log out")
		return nil
	}

	c.arb.Logout(ctx)
	fmt.Println("logged out")
	return nil
}

func cmdRestore(ctx context.Context, opts options) error {
	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	user, ok, err := c.arb.Restore(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no restorable session")
		return nil
	}

	fmt.Printf("session restored: %s (%s)\n", user.Username, user.Role)
	return nil
}

func cmdPending(ctx context.Context, opts options) error {
	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	pending := c.arb.Snapshot().PendingRequests()
	if len(pending) == 0 {
		fmt.Println("no pending login requests")
		return nil
	}

	for _, req := range pending {
		fmt.Printf("%s\t%s\t%s\n", req.ID, req.Username, req.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func cmdDecide(ctx context.Context, opts options, requestID string, approve bool) error {
	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	if approve {
		if err := c.arb.Approve(ctx, requestID); err != nil {
			return err
		}
		fmt.Printf("approved %s\n", requestID)
		return nil
	}

	if err := c.arb.Reject(ctx, requestID); err != nil {
		return err
	}
	fmt.Printf("rejected %s\n", requestID)
	return nil
}
