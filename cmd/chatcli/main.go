// Command chatcli is a terminal client for the relay. It mints a development
// token, sends each line read from stdin and prints the reply as it streams.
// Ctrl-C stops the reply in progress; Ctrl-D exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/sahilchouksey/chat-relay/client"
	"github.com/sahilchouksey/chat-relay/config"
	"github.com/sahilchouksey/chat-relay/utils/auth"
)

func main() {
	_ = config.LoadENV()

	baseURL := flag.String("url", "http://localhost:8080", "relay base URL")
	userID := flag.String("user", "dev-free", "user id to mint a token for")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	issuer := flag.String("issuer", envOr("JWT_ISSUER", "chat-relay"), "JWT issuer")
	conversationID := flag.String("conversation", "", "continue an existing conversation")
	system := flag.String("system", "", "system prompt for a new conversation")
	tokenOnly := flag.Bool("token-only", false, "print a token and exit")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "JWT secret required (-secret or JWT_SECRET)")
		os.Exit(2)
	}

	token, _, err := auth.NewJWTManager(auth.JWTConfig{Secret: *secret, Issuer: *issuer}).GenerateAccessToken(*userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mint token:", err)
		os.Exit(1)
	}
	if *tokenOnly {
		fmt.Println(token)
		return
	}

	c := client.New(client.Config{BaseURL: *baseURL, Token: token})
	session := &chat{client: c, conversationID: *conversationID, system: *system}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)

	// a message given on the command line is sent once
	if flag.NArg() > 0 {
		if err := session.send(strings.Join(flag.Args(), " "), interrupts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := session.send(line, interrupts); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

type chat struct {
	client         *client.Client
	conversationID string
	system         string
}

func (s *chat) send(text string, interrupts <-chan os.Signal) error {
	req := client.SendRequest{ConversationID: s.conversationID}
	if s.conversationID == "" && s.system != "" {
		req.Messages = append(req.Messages, client.Message{Role: "system", Content: s.system})
	}
	req.Messages = append(req.Messages, client.Message{Role: "user", Content: text})

	stream, err := s.client.Send(context.Background(), req)
	if err != nil {
		var quotaErr *client.QuotaExceededError
		if errors.As(err, &quotaErr) && !quotaErr.Unavailable {
			return fmt.Errorf("monthly quota used up (%d/%d)", quotaErr.Used, quotaErr.Limit)
		}
		return err
	}

	go func() {
		select {
		case <-interrupts:
			stream.Cancel()
		case <-stream.Done():
		}
	}()

	printed := 0
	for partial, err := range stream.Partials() {
		if err != nil {
			break
		}
		fmt.Print(partial[printed:])
		printed = len(partial)
	}
	fmt.Println()

	result := stream.Result()
	if result.ConversationID != "" {
		s.conversationID = result.ConversationID
	}
	switch result.Outcome {
	case client.OutcomeAborted:
		fmt.Println("[stopped]")
	case client.OutcomeError:
		if result.Err != nil {
			return result.Err
		}
		return errors.New("stream failed")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
