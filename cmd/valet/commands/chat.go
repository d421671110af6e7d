package commands

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/valet/pkg/valet/conversation"
)

// newChatCmd creates the `valet chat` command.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant",
		Long: `Send one message to the running daemon, or start an interactive
session when no message is given.

Examples:
  valet chat "what came in this morning?"
  valet chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	client := newAPIClient(cmd)

	if len(args) > 0 {
		reply, err := sendChat(client, args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     "/tmp/valet_chat_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting interactive session: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive session. Type 'exit' or Ctrl+D to quit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		reply, err := sendChat(client, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("valet> %s\n\n", reply)
	}
}

func sendChat(client *apiClient, body string) (string, error) {
	var resp struct {
		Reply *conversation.Message `json:"reply"`
	}
	err := client.do(http.MethodPost, "/api/v1/chat",
		map[string]string{"user_id": client.userID, "body": body}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Reply == nil {
		return "(no reply)", nil
	}
	return resp.Reply.Body, nil
}
