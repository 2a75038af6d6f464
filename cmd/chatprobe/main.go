// chatprobe is a diagnostic client: it brings a session up against a real
// backend, optionally sends one message, and tails the service's events to
// stdout. Useful for verifying connectivity and server behavior without an
// application shell.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"github.com/amoro/chatcore/internal/app"
	"github.com/amoro/chatcore/internal/chat"
	"github.com/amoro/chatcore/internal/config"
	"github.com/amoro/chatcore/internal/model"
)

func main() {
	configFlag := flag.String("config", "", "path to a TOML config file")
	apiFlag := flag.String("api", "", "REST base URL (overrides config)")
	socketFlag := flag.String("socket", "", "websocket URL (overrides config)")
	userFlag := flag.String("user", "", "user id")
	tokenFlag := flag.String("token", "", "bearer token")
	toFlag := flag.String("to", "", "recipient id for a test message")
	messageFlag := flag.String("message", "", "test message content")
	listenFlag := flag.Duration("listen", 30*time.Second, "how long to tail events (0 = until interrupted)")
	flag.Parse()

	if *tokenFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -token is required")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *apiFlag != "" {
		cfg.API.BaseURL = *apiFlag
	}
	if *socketFlag != "" {
		cfg.API.SocketURL = *socketFlag
	}
	if cfg.API.BaseURL == "" || cfg.API.SocketURL == "" {
		fmt.Fprintln(os.Stderr, "error: api and socket URLs required (flags or config)")
		os.Exit(1)
	}

	if err := run(cfg, *userFlag, *tokenFlag, *toFlag, *messageFlag, *listenFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, userID, token, to, message string, listen time.Duration) error {
	var svc *chat.Service
	application := fx.New(
		app.Module(app.Params{
			Config: cfg,
			Token:  func() string { return token },
		}),
		fx.Populate(&svc),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = application.Stop(stopCtx)
	}()

	up, err := svc.Initialize(context.Background(), model.User{ID: userID}, token)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	mode := "socket"
	if !up {
		mode = "http-only"
	}
	fmt.Printf("session up (%s)\n", mode)

	for _, event := range []string{
		chat.EventMessageReceived,
		chat.EventMessageSent,
		chat.EventMessageQueued,
		chat.EventMessageUpdated,
		chat.EventMessageError,
		chat.EventUserTyping,
		chat.EventNotification,
		chat.EventConnectionChanged,
	} {
		event := event
		svc.On(event, func(payload any) {
			printEvent(event, payload)
		})
	}

	if to != "" && message != "" {
		sent, err := svc.SendMessage(context.Background(), to, message, model.TypeText, nil)
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
		} else {
			fmt.Printf("send settled: status=%s id=%s\n", sent.Status, sent.ID)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	if listen > 0 {
		select {
		case <-time.After(listen):
		case <-sig:
		}
	} else {
		<-sig
	}
	return nil
}

func printEvent(event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("%s %s <unprintable>\n", time.Now().Format("15:04:05"), event)
		return
	}
	fmt.Printf("%s %s %s\n", time.Now().Format("15:04:05"), event, body)
}
