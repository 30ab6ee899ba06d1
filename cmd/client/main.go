package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/client"
	"github.com/omochice/donut-chat/internal/config"
	"github.com/omochice/donut-chat/internal/logging"
	"github.com/omochice/donut-chat/internal/metrics"
	"github.com/omochice/donut-chat/internal/session"
)

func main() {
	fs := pflag.NewFlagSet("donut-client", pflag.ExitOnError)
	config.RegisterFlags(fs)
	roomID := fs.Int64("room", 0, "room to open (default: list rooms and exit)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create client")
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to sign in")
	}

	rooms, err := c.RefreshRooms(ctx)
	if err != nil {
		// Fall back to the cache, e.g. when offline with a sqlite store.
		log.WithError(err).Warn("Failed to refresh rooms")
		if rooms, err = c.Rooms(ctx); err != nil {
			log.WithError(err).Fatal("Failed to read cached rooms")
		}
	}

	if *roomID == 0 && fs.NArg() > 0 {
		id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			log.WithField("arg", fs.Arg(0)).Fatal("Room must be a numeric id")
		}
		*roomID = id
	}
	if *roomID == 0 {
		printRooms(rooms)
		return
	}

	if err := c.OpenRoom(ctx, *roomID); err != nil {
		log.WithError(err).Fatal("Failed to open room")
	}
	go printTimeline(ctx, c.Session(), c.Auth().State().UserID)
	go logErrors(ctx, c.Session(), log)

	fmt.Println("Type your messages (or 'quit' to exit):")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).Error("Error reading input")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				return
			}
			if err := c.SendMessage(text); err != nil {
				// The line is kept so it can be sent again.
				fmt.Printf("!! not sent (%v): %s\n", err, text)
			}
		}
	}
}

func printRooms(rooms []chat.Room) {
	if len(rooms) == 0 {
		fmt.Println("No rooms")
		return
	}
	for _, r := range rooms {
		title := r.Title
		if r.Placeholder() {
			title = "(unknown room)"
		}
		fmt.Printf("%4d  %s\n", r.ID, title)
	}
}

// printTimeline prints messages not printed yet. Snapshots are complete,
// so a skipped snapshot loses nothing.
func printTimeline(ctx context.Context, s *session.Controller, me int64) {
	printed := make(map[int64]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case tl := <-s.Timeline():
			for _, m := range tl.Messages {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				who := fmt.Sprintf("user%d", m.AuthorID)
				if m.AuthorID == me {
					who = "me"
				}
				fmt.Printf("[%s %s]: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Content)
			}
		}
	}
}

func logErrors(ctx context.Context, s *session.Controller, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.Errors():
			log.WithError(err).Warn("Room error")
		}
	}
}
