package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/pkg/chatclient"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	session := chatclient.NewSession()
	session.Authenticate(cfg.UserID, cfg.UserName, cfg.Token)

	client, err := chatclient.New(chatclient.Config{
		APIBaseURL:   cfg.APIBaseURL,
		RealtimeURL:  cfg.RealtimeURL,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Hooks: chatclient.DispatcherHooks{
			SendFailed: func(roomID, restore string, err error) {
				logger.Error().Err(err).Str("room_id", roomID).Str("text", restore).Msg("message not sent")
			},
			PermissionDenied: func(roomID string, err error) {
				fmt.Printf("! %s: %v\n", roomID, err)
			},
			ScheduledChanged: func(roomID string) {
				logger.Info().Str("room_id", roomID).Msg("scheduled messages changed")
			},
		},
		Logger: logger,
	}, session)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build chat client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat client")
	}

	printer := newTranscript(client.Store, cfg.UserID)
	defer client.Store.OnChange(printer.update)()

	if cfg.RoomID != "" {
		if err := client.OpenRoom(ctx, cfg.RoomID, cfg.HistoryLimit); err != nil {
			logger.Error().Err(err).Str("room_id", cfg.RoomID).Msg("failed to open room")
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	room := cfg.RoomID
	for {
		select {
		case <-ctx.Done():
			logout(client)
			return
		case line, ok := <-lines:
			line = strings.TrimSpace(line)
			if !ok || line == "/quit" {
				logout(client)
				return
			}
			room = handleLine(ctx, client, logger, room, line)
		}
	}
}

func logout(client *chatclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client.Logout(ctx)
}

// handleLine runs one input line and returns the active room afterwards.
func handleLine(ctx context.Context, client *chatclient.Client, logger zerolog.Logger, room, line string) string {
	if line == "" {
		return room
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/join":
		if arg == "" {
			fmt.Println("usage: /join <room>")
			return room
		}
		if room != "" && room != arg {
			if err := client.CloseRoom(ctx, room); err != nil {
				logger.Warn().Err(err).Msg("failed to leave room")
			}
		}
		if err := client.OpenRoom(ctx, arg, 50); err != nil {
			logger.Error().Err(err).Str("room_id", arg).Msg("failed to open room")
			return room
		}
		return arg
	case "/members":
		for _, m := range client.Members.Members(room) {
			fmt.Printf("  %s %s admin=%t online=%t\n", m.UserID, m.FullName, m.IsAdmin, m.IsOnline)
		}
		return room
	case "/scheduled":
		items, err := client.ScheduledMessages(ctx, room)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load scheduled messages")
			return room
		}
		for _, item := range items {
			fmt.Printf("  #%d at %s: %s\n", item.ID, item.ScheduledAt.Local().Format(time.Kitchen), item.MessageText)
		}
		return room
	case "/delete":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /delete <message id>")
			return room
		}
		if err := client.Dispatcher.Delete(ctx, room, []uint64{id}); err != nil {
			logger.Error().Err(err).Msg("delete failed")
		}
		return room
	case "/later":
		delay, text, _ := strings.Cut(arg, " ")
		wait, err := time.ParseDuration(delay)
		if err != nil || strings.TrimSpace(text) == "" {
			fmt.Println("usage: /later <duration> <text>")
			return room
		}
		at := time.Now().Add(wait)
		send(ctx, client, logger, chatclient.SendRequest{RoomID: room, Text: text, ScheduledAt: &at})
		return room
	}

	send(ctx, client, logger, chatclient.SendRequest{RoomID: room, Text: line})
	return room
}

func send(ctx context.Context, client *chatclient.Client, logger zerolog.Logger, req chatclient.SendRequest) {
	if req.RoomID == "" {
		fmt.Println("join a room first: /join <room>")
		return
	}
	result, err := client.Dispatcher.Send(ctx, req)
	if err != nil {
		logger.Debug().Err(err).Str("state", result.State.String()).Msg("send ended")
	}
}

// transcript prints each confirmed message once.
type transcript struct {
	mu      sync.Mutex
	store   *chatclient.Store
	self    string
	printed map[uint64]struct{}
}

func newTranscript(store *chatclient.Store, self string) *transcript {
	return &transcript{store: store, self: self, printed: make(map[uint64]struct{})}
}

func (t *transcript) update(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range t.store.Messages(roomID) {
		if msg.Key.IsPending() {
			continue
		}
		if _, seen := t.printed[msg.Key.ID]; seen {
			continue
		}
		t.printed[msg.Key.ID] = struct{}{}

		who := msg.SenderName
		if msg.SenderID == t.self {
			who = "you"
		}
		fmt.Printf("[%s] #%d %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), msg.Key.ID, who, msg.Text)
	}
}
