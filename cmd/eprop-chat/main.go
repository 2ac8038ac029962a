// ABOUTME: Interactive terminal chat client for the eprop marketplace backend.
// ABOUTME: Login, conversation list with unread badges, and a realtime send/receive loop.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/eprop/messaging-client/internal/config"
	"github.com/eprop/messaging-client/internal/connection"
	"github.com/eprop/messaging-client/internal/rest"
	"github.com/eprop/messaging-client/internal/session"
	"github.com/eprop/messaging-client/internal/transport"
	"github.com/eprop/messaging-client/internal/unread"
	"github.com/eprop/messaging-client/internal/wire"
)

const banner = `
  eprop-chat
`

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	email := flag.String("email", os.Getenv("EPROP_EMAIL"), "Login email (or EPROP_EMAIL)")
	password := flag.String("password", os.Getenv("EPROP_PASSWORD"), "Login password (or EPROP_PASSWORD)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *email, *password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath, email, password string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	if email == "" || password == "" {
		return fmt.Errorf("credentials required: set -email/-password or EPROP_EMAIL/EPROP_PASSWORD")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	client := rest.NewClient(cfg.Server.BaseURL, logger)
	user, err := client.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	defer func() {
		if err := client.Logout(context.Background()); err != nil {
			logger.Warn("logout failed", "err", err)
		}
	}()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Backend:  %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Realtime: %s\n", cfg.Realtime.URL)
	green.Print("    ▶ ")
	fmt.Printf("User:     %s\n\n", user.Name)

	conn := connection.NewManager(connection.Options{
		Dialer:            transport.NewDialer(cfg.Realtime.URL, nil, logger),
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
		Logger:            logger,
	})
	defer conn.Disconnect()

	badges := unread.New(unread.Options{
		Source:           client,
		ViewerID:         user.ID,
		PollInterval:     cfg.Unread.PollInterval,
		ReadReceiptDelay: cfg.Unread.ReadReceiptDelay,
		Logger:           logger,
	})
	badges.Start(ctx)
	defer badges.Stop()

	app := &app{
		cfg:    cfg,
		client: client,
		conn:   conn,
		badges: badges,
		user:   user,
		logger: logger,
		stdin:  bufio.NewScanner(os.Stdin),
	}
	return app.loop(ctx)
}

type app struct {
	cfg    *config.Config
	client *rest.Client
	conn   *connection.Manager
	badges *unread.Aggregator
	user   rest.User
	logger *slog.Logger
	stdin  *bufio.Scanner
}

// loop alternates between the conversation list and an open chat until
// the user quits or the context is cancelled.
func (a *app) loop(ctx context.Context) error {
	for {
		conv, err := a.pickConversation(ctx)
		if err != nil {
			return err
		}
		if conv == nil {
			return nil
		}
		if err := a.chat(ctx, *conv); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// pickConversation renders the list with unread badges and reads a
// selection. Returns nil when the user quits.
func (a *app) pickConversation(ctx context.Context) (*rest.Conversation, error) {
	a.badges.Refresh()

	convs, err := a.client.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return nil, nil
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed, color.Bold)

	bold.Println("Conversations:")
	for i, conv := range convs {
		fmt.Printf("  %2d. %-20s", i+1, conv.Other(a.user.ID).Name)
		gray.Printf(" %s", conv.Item.Title)
		if conv.LastMessageAt.After(conv.ViewerLastReadAt(a.user.ID)) {
			red.Print("  ●")
		}
		fmt.Println()
		if conv.LastMessage != "" {
			gray.Printf("      %s\n", truncate(conv.LastMessage, 60))
		}
	}
	fmt.Println("\nEnter a number to open, or /quit.")

	for {
		input, ok := a.readLine(ctx, "> ")
		if !ok || input == "/quit" {
			return nil, nil
		}
		n, err := strconv.Atoi(input)
		if err != nil || n < 1 || n > len(convs) {
			fmt.Printf("Pick 1-%d or /quit.\n", len(convs))
			continue
		}
		return &convs[n-1], nil
	}
}

// chat opens a session on the conversation and runs the send loop until
// /back, /quit, or shutdown.
func (a *app) chat(ctx context.Context, conv rest.Conversation) error {
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	other := conv.Other(a.user.ID).Name

	sess := session.New(session.Options{
		Conn:           a.conn,
		Backend:        a.client,
		TypingIdle:     a.cfg.Typing.Idle,
		TypingExpiry:   a.cfg.Typing.Expiry,
		SendAckTimeout: a.cfg.Realtime.SendAckTimeout,
		Logger:         a.logger,
		Callbacks: session.Callbacks{
			OnMessage: func(msg wire.Message) {
				a.printMessage(msg)
			},
			OnTyping: func(user string, typing bool) {
				if typing {
					gray.Printf("(%s is typing...)\n", user)
				}
			},
			OnConnection: func(connected bool) {
				if connected {
					gray.Println("(reconnected)")
				} else {
					yellow.Println("(connection lost, messages fall back to the backend)")
				}
			},
			OnSendFailed: func(body string, err error) {
				red.Printf("Send failed (%v). Your message:\n  %s\n", err, body)
			},
		},
	})

	if err := sess.Open(ctx, conv, a.user); err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}
	defer func() {
		sess.Close()
		a.badges.NoteConversationOpened(conv.ID)
	}()

	color.New(color.Bold).Printf("\n── %s ── %s ──\n", other, conv.Item.Title)
	for _, msg := range sess.Transcript() {
		a.printMessage(msg)
	}
	gray.Println("Type to send. /back for the list, /quit to exit.")

	for {
		input, ok := a.readLine(ctx, "")
		if !ok || input == "/quit" {
			return nil
		}
		if input == "/back" {
			return ctx.Err()
		}
		if input == "" {
			continue
		}

		sess.InputActivity()
		if err := sess.SendMessage(ctx, input); err != nil {
			red.Printf("Not sent (%v). Your message:\n  %s\n", err, input)
		}
	}
}

// printMessage renders one transcript entry.
func (a *app) printMessage(msg wire.Message) {
	gray := color.New(color.FgHiBlack)
	name := msg.SenderName
	self := msg.SenderID == a.user.ID
	if self {
		name = "you"
	}

	ts := msg.CreatedAt.Local().Format("15:04")
	if self {
		color.New(color.FgGreen).Printf("[%s] %s: ", ts, name)
	} else {
		color.New(color.FgCyan).Printf("[%s] %s: ", ts, name)
	}
	fmt.Print(msg.Body)
	if msg.Delivery == wire.DeliveryFallback {
		gray.Print("  (fallback)")
	}
	fmt.Println()
}

// readLine reads one trimmed line, returning ok=false on EOF or
// cancellation.
func (a *app) readLine(ctx context.Context, prompt string) (string, bool) {
	if prompt != "" {
		fmt.Print(prompt)
	}

	inputCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		if a.stdin.Scan() {
			inputCh <- a.stdin.Text()
			return
		}
		if err := a.stdin.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- io.EOF
		}
	}()

	select {
	case <-ctx.Done():
		return "", false
	case <-errCh:
		return "", false
	case input := <-inputCh:
		return strings.TrimSpace(input), true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so they interleave with, rather than corrupt,
	// the chat output on stdout.
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
