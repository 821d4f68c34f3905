// Package bridge talks to an external chat-network bridge process. Lifecycle
// frames arrive over a websocket; commands go over plain HTTP.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"chatsched/internal/domain"
	"chatsched/internal/transport"
)

type Config struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
}

type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  zerolog.Logger

	mu     sync.Mutex
	events transport.Events
	conn   *websocket.Conn
	cancel context.CancelFunc
}

var _ transport.Client = (*Client)(nil)

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if raw == "" {
		return nil, errors.New("bridge url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bridge url must be http or https, got %q", u.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		base: u,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log.With().Str("component", "bridge").Logger(),
	}, nil
}

// Attach sets the receiver of lifecycle events. Call before Initialize.
func (c *Client) Attach(ev transport.Events) {
	c.mu.Lock()
	c.events = ev
	c.mu.Unlock()
}

// Initialize opens the event stream if needed and asks the bridge to start
// its chat session.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/initialize", nil, nil)
}

func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	err := c.do(ctx, http.MethodPost, "/destroy", nil, nil)
	if conn != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "destroy")
	}
	return err
}

func (c *Client) ResetCredentials(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil)
}

func (c *Client) Chats(ctx context.Context) ([]domain.Chat, error) {
	var chats []domain.Chat
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

type sendRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (c *Client) Send(ctx context.Context, chatID, body string) error {
	return c.do(ctx, http.MethodPost, "/send", sendRequest{ChatID: chatID, Message: body}, nil)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	h := http.Header{}
	c.authorize(h)
	conn, _, err := websocket.Dial(ctx, c.endpoint("/events"), &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return fmt.Errorf("dial bridge events: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with another Initialize.
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return nil
	}
	c.conn, c.cancel = conn, cancel
	c.mu.Unlock()

	c.log.Info().Str("url", c.endpoint("/events")).Msg("bridge event stream connected")
	go c.readLoop(readCtx, conn)
	return nil
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn, c.cancel = nil, nil
			}
			ev := c.events
			c.mu.Unlock()
			_ = conn.CloseNow()
			if current && ev != nil {
				c.log.Warn().Err(err).Msg("bridge event stream lost")
				ev.OnDisconnected("bridge connection lost")
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	if ev == nil {
		return
	}

	var data struct {
		QR      string `json:"qr"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.log.Warn().Err(err).Str("type", f.Type).Msg("malformed bridge frame")
			return
		}
	}

	switch f.Type {
	case "qr":
		ev.OnQR(data.QR)
	case "authenticated":
		ev.OnAuthenticated()
	case "ready":
		ev.OnReady()
	case "auth_failure":
		ev.OnAuthFailure(data.Message)
	case "disconnected":
		ev.OnDisconnected(data.Reason)
	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring bridge frame")
	}
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}
