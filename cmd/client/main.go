// Command client is a terminal front end for the chat service: it creates or
// resumes a conversation, persists each user message, and streams the
// assistant's reply to stdout as it arrives.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/hebchat/hebchat/internal/client"
	"github.com/hebchat/hebchat/internal/models"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the chat server")
	token := flag.String("token", "", "bearer token issued by the auth provider")
	conversationID := flag.String("conversation", "", "conversation ID to resume; a new one is created when empty")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	api := client.NewAPI(*server, *token, nil)
	consumer := client.NewConsumer(api.ChatEndpoint(), nil, api, logger)

	ctx := context.Background()

	var history []models.Message
	if *conversationID != "" {
		msgs, err := api.Messages(ctx, *conversationID)
		if err != nil {
			log.Fatal(err)
		}
		history = msgs
		for _, msg := range msgs {
			printMessage(msg)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			break
		}

		if *conversationID == "" {
			conv, err := api.CreateConversation(ctx, models.DeriveTitle(input, 0))
			if err != nil {
				log.Fatal(err)
			}
			*conversationID = conv.ID
			fmt.Fprintf(os.Stderr, "conversation: %s\n", conv.ID)
		}

		userMsg, err := api.AddMessage(ctx, *conversationID, input, models.RoleUser)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		history = append(history, userMsg)

		printed := 0
		result, err := consumer.Send(ctx, *conversationID, history, func(accumulated string) {
			fmt.Print(accumulated[printed:])
			printed = len(accumulated)
		})
		fmt.Println()
		if err != nil {
			// The user message stays persisted; only the reply is missing.
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if result.Persisted {
			history = append(history, result.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}
}

func printMessage(msg models.Message) {
	prefix := "assistant"
	if msg.Role == models.RoleUser {
		prefix = "you"
	}
	fmt.Printf("[%s] %s\n", prefix, msg.Content)
}
