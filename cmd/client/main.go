package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gatherly/gatherly/internal/session"
	"github.com/gatherly/gatherly/internal/types"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var (
	serverURL string
	email     string
	password  string
	eventId   string
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "server base URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&eventId, "event", "", "event id to chat on")
	flag.Parse()

	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	if email == "" || password == "" || eventId == "" {
		return exitConfig, fmt.Errorf("-email, -password and -event are required")
	}

	logger := log.New(os.Stderr, "[gatherly-client] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := newApiClient(serverURL)
	if err != nil {
		return exitConfig, fmt.Errorf("server url: %w", err)
	}

	user, err := api.login(ctx, email, password)
	if err != nil {
		return exitRuntime, fmt.Errorf("login: %w", err)
	}

	room, err := api.room(ctx, eventId)
	if err != nil {
		return exitRuntime, fmt.Errorf("fetch room: %w", err)
	}

	reconciler := session.NewReconciler()

	history, err := api.messages(ctx, room.ExternalId)
	if err != nil {
		return exitRuntime, fmt.Errorf("fetch history: %w", err)
	}
	reconciler.Seed(history)

	sess := session.New(session.Config{
		URL:    api.wsURL(),
		Token:  api.token,
		Logger: logger,
	})
	defer sess.Close()

	if err := sess.Open(ctx, room.ExternalId); err != nil {
		return exitRuntime, fmt.Errorf("open session: %w", err)
	}

	fmt.Printf(">>> joined %q as %s (/switch <event-id> to change rooms, Ctrl+C to quit)\n",
		room.Name, user.Username)
	for _, entry := range reconciler.Timeline() {
		printEntry(entry)
	}

	// event pump: confirmed broadcasts feed the reconciler, state changes
	// and connection loss are surfaced to the terminal
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sess.Events():
				switch ev.Kind {
				case session.EventMessage:
					reconciler.Ingest(*ev.Message)
					printEntry(session.Entry{Message: *ev.Message})
				case session.EventStateChange:
					fmt.Printf("--- %s\n", ev.State)
				case session.EventConnectionLost:
					fmt.Println("--- connection lost, giving up")
					stop()
					return
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("bye")
			return exitOK, nil
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if targetEvent, found := strings.CutPrefix(line, "/switch "); found {
				newRoom, err := api.room(ctx, strings.TrimSpace(targetEvent))
				if err != nil {
					fmt.Println("!!! switch:", err)
					continue
				}
				if err := sess.Switch(ctx, newRoom.ExternalId); err != nil {
					fmt.Println("!!! switch:", err)
					continue
				}
				reconciler.Reset()
				if history, err := api.messages(ctx, newRoom.ExternalId); err == nil {
					reconciler.Seed(history)
				}
				fmt.Printf(">>> joined %q\n", newRoom.Name)
				for _, entry := range reconciler.Timeline() {
					printEntry(entry)
				}
				continue
			}

			correlationId := reconciler.SendOptimistic(user.Id, line)
			if err := sess.Publish(ctx, line, correlationId); err != nil {
				reconciler.Abandon(correlationId)
				fmt.Println("!!! send failed:", err)
			}
		}
	}
}

func printEntry(entry session.Entry) {
	marker := ""
	if entry.Pending {
		marker = " (sending...)"
	}
	fmt.Printf("[%s] user %d: %s%s\n",
		entry.Message.CreatedAt.Local().Format(time.TimeOnly),
		entry.Message.UserId,
		entry.Message.Content,
		marker,
	)
}

// apiClient is a minimal HTTP client for the account, room and history
// endpoints; the live channel itself is handled by the session package.
type apiClient struct {
	base  *url.URL
	http  *http.Client
	token string
}

func newApiClient(rawURL string) (*apiClient, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *apiClient) wsURL() string {
	ws := *c.base
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = "/ws"
	return ws.String()
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) login(ctx context.Context, email, password string) (*types.User, error) {
	var result struct {
		User  types.User `json:"user"`
		Token string     `json:"token"`
	}

	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}

	c.token = result.Token
	return &result.User, nil
}

func (c *apiClient) room(ctx context.Context, eventExtId string) (*types.Room, error) {
	var room types.Room
	query := url.Values{"event_id": {eventExtId}}
	if err := c.do(ctx, http.MethodGet, "/api/rooms", query, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *apiClient) messages(ctx context.Context, roomExtId string) ([]types.Message, error) {
	var messages []types.Message
	query := url.Values{"room_id": {roomExtId}}
	if err := c.do(ctx, http.MethodGet, "/api/messages", query, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
