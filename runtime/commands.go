package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/requiem-ai/apiai/dispatch"
	"github.com/requiem-ai/apiai/llm"
	"github.com/requiem-ai/apiai/secure"
	"github.com/spf13/cobra"
)

const cliTag = "cli"

type askOptions struct {
	provider     string
	chat         bool
	conversation string
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Send one query and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, root, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "anthropic, openai or relay (defaults to the configured provider)")
	cmd.Flags().BoolVar(&opts.chat, "chat", false, "ask the relay to keep conversation state")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "relay conversation id to continue")
	return cmd
}

func runAsk(cmd *cobra.Command, root *rootOptions, opts *askOptions, query string) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	settings, err := cfg.Settings(opts.provider)
	if err != nil {
		return err
	}
	settings.ChatMode = opts.chat || opts.conversation != ""
	settings.ConversationID = opts.conversation

	d := dispatch.New(dispatch.Config{
		Workers:        1,
		RequestTimeout: cfg.Dispatch.RequestTimeout.Duration,
		ClientOptions:  cfg.ClientOptions(),
	})
	defer d.Close()

	if _, ok := d.Submit(dispatch.Request{Query: query, Settings: settings, Tag: cliTag}); !ok {
		return errors.New("query is empty")
	}

	select {
	case out := <-d.Results():
		if out.Err != nil {
			return out.Err
		}
		printResult(cmd.OutOrStdout(), out.Result)
		return nil
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}

func printResult(w io.Writer, r llm.SearchResult) {
	provider := r.Provider
	if r.ProviderAssumed {
		provider += " (assumed)"
	}
	if provider != "" {
		if r.Model != "" {
			provider += " / " + r.Model
		}
		fmt.Fprintln(w, provider)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, r.Text)

	if r.ConversationID != "" {
		fmt.Fprintf(w, "\nconversation_id: %s\n", r.ConversationID)
	}
	if r.RequestID != "" {
		fmt.Fprintf(w, "request_id: %s\n", r.RequestID)
	}
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "cancel [request-id]",
		Short: "Ask the relay to stop working on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			settings, err := cfg.Settings(provider)
			if err != nil {
				return err
			}

			d := dispatch.New(dispatch.Config{Workers: 1, ClientOptions: cfg.ClientOptions()})
			defer d.Close()

			d.CancelRemote(dispatch.Request{Settings: settings, Tag: cliTag}, args[0])

			select {
			case out := <-d.Results():
				printCancel(cmd.OutOrStdout(), out.Cancel)
				return nil
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", llm.RelayID, "provider that owns the request")
	return cmd
}

func printCancel(w io.Writer, c llm.CancelOutcome) {
	status := "not accepted"
	if c.Accepted {
		status = "accepted"
	}
	fmt.Fprintf(w, "cancel %s: %s\n", c.RequestID, status)
	if c.Message != "" {
		fmt.Fprintln(w, c.Message)
	}
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key [secret]",
		Short: "Show how an encryption secret is turned into a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := secure.NewCipher(args[0])
			if err != nil {
				return err
			}

			mode := "sha256 of passphrase"
			if secure.IsHexKey(args[0]) {
				mode = "hex key"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\nfingerprint: %s\n", mode, c.Fingerprint())
			return nil
		},
	}
}
