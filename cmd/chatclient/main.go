// Command chatclient is a line-oriented chat client that stays connected
// across server restarts and re-claims its username on every reconnect.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/logging"
	"github.com/pelusa-v/pelusa-chat/internal/reconnect"
)

func main() {
	url := flag.String("url", "ws://localhost:3000/ws", "chat websocket endpoint")
	username := flag.String("user", "", "username to claim")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log := logging.New(os.Stderr, *logLevel, "text")
	name, err := chat.NormalizeUsername(*username)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a valid -user is required:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := reconnect.New(reconnect.Config{URL: *url, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		reconnect.WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}, log)
	ctrl.OnConnect = func(_ context.Context, conn reconnect.Conn) error {
		frame, err := event(chat.EventSetUsername, chat.SetUsernameRequest{Username: name})
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, frame)
	}
	ctrl.OnMessage = func(data []byte) { printEvent(os.Stdout, data) }
	ctrl.OnStateChange = func(s reconnect.State) {
		fmt.Fprintf(os.Stderr, "* %s\n", s)
	}

	go readInput(ctx, ctrl)

	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("chatclient: Stopped", "error", err)
		os.Exit(1)
	}
}

// readInput sends each stdin line as a chat message. "/who" asks for the
// online list.
func readInput(ctx context.Context, ctrl *reconnect.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var frame []byte
		var err error
		if line == "/who" {
			frame, err = event(chat.EventUserStatus, struct{}{})
		} else {
			frame, err = event(chat.EventChatMessage, chat.ChatMessageRequest{Content: line})
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "!", err)
			continue
		}
		if err := ctrl.Send(frame); err != nil {
			fmt.Fprintln(os.Stderr, "! not sent:", err)
		}
	}
}

func event(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(chat.Envelope{Type: eventType, Payload: raw})
}

func printEvent(w *os.File, data []byte) {
	var env chat.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fmt.Fprintf(w, "? %s\n", data)
		return
	}

	switch env.Type {
	case chat.EventChatMessage:
		var p chat.ChatMessagePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			author := "?"
			if p.User != nil {
				author = p.User.Username
			}
			fmt.Fprintf(w, "[%s] %s: %s\n", p.CreatedAt, author, p.Content)
			return
		}
	case chat.EventUserStatus:
		var p chat.UserStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			names := make([]string, 0, len(p.Users))
			for _, u := range p.Users {
				names = append(names, u.Username)
			}
			fmt.Fprintf(w, "* online: %s\n", strings.Join(names, ", "))
			return
		}
	case chat.EventUserJoined, chat.EventUserLeft:
		var p chat.MembershipPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			verb := "joined"
			if env.Type == chat.EventUserLeft {
				verb = "left"
			}
			fmt.Fprintf(w, "* %s %s\n", p.Username, verb)
			return
		}
	case chat.EventMention:
		var p chat.MentionPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			fmt.Fprintf(w, "@ %s mentioned you: %s\n", p.From, p.Content)
			return
		}
	}
	fmt.Fprintf(w, "%s %s\n", env.Type, env.Payload)
}
