package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// TerminateCommand asks the engine to shut down.
const TerminateCommand = "Terminate"

// DefaultDialRetries covers an engine that prints its marker line slightly before it starts listening.
const DefaultDialRetries = 3

type Client struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger

	dialRetries              int
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("control_client")
	}
}

// WithDialRetries sets how many times a failed connection attempt is retried. Zero disables retries.
func WithDialRetries(n int) ClientOption {
	return func(c *Client) {
		c.dialRetries = n
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		Logger:      zap.NewNop().Sugar(),
		dialRetries: DefaultDialRetries,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	// Setting DialContext keeps the transport on HTTP/1.1, which the WebSocket upgrade needs.
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = c.dialRetries
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Dial opens a control connection to the engine at url (ws:// or wss://).
func (c *Client) Dial(ctx context.Context, url string) (*Conn, error) {
	c.Logger.Debugw("dialing WebSocket", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	return &Conn{conn: wsConn, log: c.Logger.With("URL", url)}, nil
}

// Terminate connects to url, sends a single Terminate frame and closes the connection.
func (c *Client) Terminate(ctx context.Context, url string) error {
	conn, err := c.Dial(ctx, url)
	if err != nil {
		return err
	}
	err = conn.Send(ctx, TerminateCommand)
	if err != nil {
		conn.close(websocket.StatusInternalError, err.Error())
		return fmt.Errorf("sending %s: %w", TerminateCommand, err)
	}
	if err := conn.Close(); err != nil {
		c.Logger.Debugf("error closing conn: %s", err)
	}
	return nil
}

type Conn struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

// Send writes msg as one text frame.
func (c *Conn) Send(ctx context.Context, msg string) error {
	c.log.Debugw("sending text frame", "Bytes", len(msg))
	return c.conn.Write(ctx, websocket.MessageText, []byte(msg))
}

// Close performs the closing handshake with a normal closure status.
func (c *Conn) Close() error {
	return c.close(websocket.StatusNormalClosure, "")
}

func (c *Conn) close(code websocket.StatusCode, reason string) error {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(code, reason)
		if c.closeErr != nil {
			c.log.Debugf("error closing conn: %s", c.closeErr)
		}
	})
	return c.closeErr
}
