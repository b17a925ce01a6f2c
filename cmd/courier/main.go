// Package main is a terminal chat client driving the courier core end to
// end: REST conversation list, realtime socket per selection, file
// attachments through the upload queue.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"courier/internal/api"
	"courier/internal/auth"
	"courier/internal/chat"
	"courier/internal/config"
	"courier/internal/observability"
	"courier/internal/transport"
	"courier/internal/upload"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := auth.CheckExpiry(cfg.AuthToken, time.Now()); err != nil {
		log.Fatalf("auth: %v (set a fresh AUTH_TOKEN)", err)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	client := api.New(cfg.BackendURL, cfg.AuthToken, logger.Component("api"))
	queue := upload.NewQueue(client, logger.Component("upload"))
	dial := func(id uint) chat.Transport {
		return transport.New(transport.URL(cfg.WebsocketURL, id, cfg.AuthToken), logger.Component("transport"))
	}
	session := chat.NewSession(client, dial, queue, logger.Component("chat"))
	session.SetPageSize(cfg.PageSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Initialize(ctx); err != nil {
		log.Fatalf("initialize: %v", err)
	}
	fmt.Printf("signed in as %s\n", session.CurrentUser().DisplayName())
	printConversations(session)

	var attachments []upload.File
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return
		case line == "/ls":
			printConversations(session)
		case line == "/more":
			if err := session.Conversations().LoadMore(ctx); err != nil {
				fmt.Println("load more:", err)
			}
			printConversations(session)
		case strings.HasPrefix(line, "/search "):
			f := chat.Filter{Search: strings.TrimPrefix(line, "/search ")}
			if err := session.LoadConversations(ctx, f); err != nil {
				fmt.Println("search:", err)
			}
			printConversations(session)
		case strings.HasPrefix(line, "/open "):
			openConversation(ctx, session, strings.TrimPrefix(line, "/open "))
		case strings.HasPrefix(line, "/attach "):
			path := strings.TrimPrefix(line, "/attach ")
			f, err := os.Open(path)
			if err != nil {
				fmt.Println("attach:", err)
				break
			}
			attachments = append(attachments, upload.File{
				Name:    filepath.Base(path),
				Content: f,
			})
			fmt.Printf("staged %s (%d pending)\n", filepath.Base(path), len(attachments))
		case line == "/meet":
			link, err := session.AddMeeting()
			if err != nil {
				fmt.Println("meet:", err)
				break
			}
			fmt.Println("meeting:", link)
		case line == "/seen":
			if sel := session.Selected(); sel != nil {
				session.MarkAsSeen(ctx, sel.ID)
			}
		case line == "/rm":
			if sel := session.Selected(); sel != nil {
				if err := session.DeleteConversation(ctx, sel.ID); err != nil {
					fmt.Println("delete:", err)
				}
			}
		case line == "/msgs":
			printTranscript(session)
		case line != "":
			if err := session.SendMessage(ctx, line, attachments...); err != nil {
				fmt.Println("send:", err)
			}
			attachments = nil
		}
		fmt.Print("> ")
	}
}

func openConversation(ctx context.Context, session *chat.Session, arg string) {
	id, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 32)
	if err != nil {
		fmt.Println("open: expected a conversation id")
		return
	}
	conv, ok := session.Conversations().Get(uint(id))
	if !ok {
		fmt.Println("open: unknown conversation", id)
		return
	}
	if err := session.Select(ctx, conv); err != nil {
		fmt.Println("open:", err)
		return
	}
	session.MarkAsSeen(ctx, conv.ID)
	printTranscript(session)
}

func printConversations(session *chat.Session) {
	self := session.CurrentUser()
	for _, c := range session.Conversations().Items() {
		name := "(empty)"
		if peer := c.Peer(self.ID); peer != nil {
			name = peer.DisplayName()
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		marker := " "
		if !c.HasSeen {
			marker = "*"
		}
		fmt.Printf("%s %4d  %-24s %s\n", marker, c.ID, name, last)
	}
	if session.Conversations().HasNextPage() {
		fmt.Println("  (/more for older conversations)")
	}
}

func printTranscript(session *chat.Session) {
	for _, m := range session.Transcript() {
		stamp := m.Created.Local().Format("15:04")
		fmt.Printf("[%s] %s: %s\n", stamp, m.Sender.DisplayName(), m.Content)
		for _, f := range m.Files {
			fmt.Printf("        attachment: %s (%s)\n", f.Filename, f.URL)
		}
	}
}
