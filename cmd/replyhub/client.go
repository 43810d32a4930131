package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ume-tora/replyhub/internal/channel"
	"github.com/ume-tora/replyhub/internal/config"
	"github.com/ume-tora/replyhub/internal/protocol"
	"github.com/ume-tora/replyhub/internal/transport"
)

// newManager builds a channel manager dialing the coordinator from config.
func newManager(cfg *config.Config) *channel.Manager {
	return channel.NewManager(channel.Config{
		Dialer:            &transport.WebsocketDialer{URL: cfg.Channel.URL},
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
		DefaultTimeout:    cfg.Channel.RequestTimeout,
		GenerateTimeout:   cfg.Channel.GenerateTimeout,
	})
}

// request runs one round trip against the coordinator and maps failure
// responses to errors.
func request(cfg *config.Config, env *protocol.Envelope) (*protocol.Response, error) {
	m := newManager(cfg)
	defer m.Close()
	resp, err := m.Send(context.Background(), env)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("coordinator: %s", resp.Error)
	}
	return resp, nil
}

func buildGenerateCmd() *cobra.Command {
	var flagConfig string
	var flagScope, flagThread string
	cmd := &cobra.Command{
		Use:   "generate [message]",
		Short: "Generate a reply for a conversation",
		Long: `Generate sends the conversation to the coordinator and prints the
generated reply. The message is taken from the argument, or from stdin when
no argument is given. Lines on stdin alternate roles starting with "user";
prefix a line with "user:" or "model:" to set the role explicitly.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			messages, err := readConversation(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				return fmt.Errorf("no conversation given")
			}

			env := protocol.NewEnvelope(protocol.TypeGenerateReply)
			env.Scope = flagScope
			env.ThreadID = flagThread
			env.Messages = messages
			resp, err := request(cfg, env)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Reply)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&flagScope, "scope", "", "Conversation scope (e.g. mail, chat)")
	cmd.Flags().StringVar(&flagThread, "thread", "", "Thread identifier")
	return cmd
}

// readConversation builds the message list from the argument or stdin.
func readConversation(in io.Reader, args []string) ([]protocol.Message, error) {
	if len(args) == 1 {
		return []protocol.Message{{Role: "user", Content: args[0]}}, nil
	}
	var messages []protocol.Message
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	role := "user"
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "user:"):
			messages = append(messages, protocol.Message{Role: "user", Content: strings.TrimSpace(line[len("user:"):])})
			role = "model"
		case strings.HasPrefix(line, "model:"):
			messages = append(messages, protocol.Message{Role: "model", Content: strings.TrimSpace(line[len("model:"):])})
			role = "user"
		default:
			messages = append(messages, protocol.Message{Role: role, Content: line})
			if role == "user" {
				role = "model"
			} else {
				role = "user"
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return messages, nil
}

func buildCredentialCmd() *cobra.Command {
	var flagConfig string
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the stored Gemini API key",
	}
	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "set <api-key>",
		Short: "Validate and store the API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			env := protocol.NewEnvelope(protocol.TypeSetCredential)
			env.Credential = args[0]
			if _, err := request(cfg, env); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credential stored")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show whether a key is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			resp, err := request(cfg, protocol.NewEnvelope(protocol.TypeGetCredential))
			if err != nil {
				return err
			}
			if resp.Credential == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no credential configured")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential configured (%s...)\n", prefixOf(resp.Credential, 8))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			env := protocol.NewEnvelope(protocol.TypeSetCredential)
			env.Credential = ""
			if _, err := request(cfg, env); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credential cleared")
			return nil
		},
	})

	return cmd
}

func prefixOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func buildCacheCmd() *cobra.Command {
	var flagConfig string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the context cache",
	}
	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every cached thread context",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			resp, err := request(cfg, protocol.NewEnvelope(protocol.TypeClearCache))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached contexts\n", resp.Removed)
			return nil
		},
	})

	return cmd
}

func buildStatusCmd() *cobra.Command {
	var flagConfig string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			resp, err := request(cfg, protocol.NewEnvelope(protocol.TypeGetStorageInfo))
			if err != nil {
				return err
			}
			info := resp.StorageInfo
			if info == nil {
				return fmt.Errorf("coordinator returned no storage info")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "coordinator: %s\n", cfg.Channel.URL)
			fmt.Fprintf(out, "storage:     %d / %d bytes (%.1f%%)\n",
				info.BytesInUse, info.Quota,
				100*float64(info.BytesInUse)/float64(info.Quota))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to configuration file")
	return cmd
}
