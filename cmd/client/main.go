package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"consult-chat/internal/auth"
	"consult-chat/internal/config"
	"consult-chat/internal/consult"
	"consult-chat/internal/directory"
	"consult-chat/internal/models"
	"consult-chat/internal/transport"
	"consult-chat/pkg/logger"
)

func main() {
	list := flag.Bool("list", false, "list counterparts and exit")
	room := flag.String("room", "", "counterpart id to open on start")
	name := flag.String("name", "", "display name when CHAT_TOKEN is not set")
	email := flag.String("email", "", "email when CHAT_TOKEN is not set")
	account := flag.String("account", models.AccountHealthSeeker, "account type when CHAT_TOKEN is not set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	identity := resolveIdentity(cfg.Client.Token, *name, *email, *account)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.NewClient(cfg.Client.Endpoint, nil)
	if *list {
		printCounterparts(ctx, dir, identity.AccountType)
		return
	}

	conn := transport.New(transport.ConfigFrom(cfg))
	defer conn.Close()

	var session *consult.Session
	session = consult.NewSession(conn, identity,
		consult.WithRejoinOnReconnect(),
		consult.WithListener(func(m models.ChatMessage) { render(session, m) }),
	)
	defer session.Close()

	session.OnConnectionState(func(s transport.State) {
		fmt.Fprintf(os.Stderr, "-- %s\n", s)
	})

	if err := conn.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = conn.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		logger.Fatal("Server unreachable at %s: %v", cfg.Client.Endpoint, err)
	}

	if *room != "" {
		openRoom(session, *room)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, session, dir, line); quit {
				return
			}
		}
	}
}

func resolveIdentity(token, name, email, account string) models.Identity {
	if token != "" {
		identity, err := auth.PeekIdentity(token)
		if err != nil {
			logger.Fatal("Unreadable CHAT_TOKEN: %v", err)
		}
		return *identity
	}
	if name == "" {
		name = "Guest"
	}
	return models.Identity{Name: name, Email: email, AccountType: account}
}

func handleLine(ctx context.Context, session *consult.Session, dir *directory.Client, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "/quit":
		return true
	case "/who":
		printCounterparts(ctx, dir, session.Identity().AccountType)
	case "/room":
		openRoom(session, strings.TrimSpace(arg))
	case "/video":
		mode, err := session.ToggleVideo()
		if err != nil {
			fmt.Fprintf(os.Stderr, "-- %v\n", err)
			return false
		}
		fmt.Fprintf(os.Stderr, "-- %s mode\n", mode)
	default:
		if err := session.SendMessage(line); err != nil {
			fmt.Fprintf(os.Stderr, "-- %v\n", err)
		}
	}
	return false
}

func openRoom(session *consult.Session, room string) {
	if err := session.SelectRoom(room); err != nil {
		fmt.Fprintf(os.Stderr, "-- %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "-- in room %s\n", room)
}

func printCounterparts(ctx context.Context, dir *directory.Client, accountType string) {
	profiles, err := dir.List(ctx, accountType)
	if err != nil {
		logger.Error("Failed to list counterparts: %v", err)
		return
	}
	for _, p := range profiles {
		if p.Field != "" {
			fmt.Printf("%s\t%s (%s)\n", p.ID, p.DisplayName(), p.Field)
			continue
		}
		fmt.Printf("%s\t%s\n", p.ID, p.DisplayName())
	}
}

func render(session *consult.Session, m models.ChatMessage) {
	who := m.Sender
	if session.IsMine(m) {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s\n", m.Time, who, m.Message)
}
