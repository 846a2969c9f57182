package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/stickyrelay/internal/relay"
)

// NoteHandler stores a note received from the relay. A nil error is sent
// back as a positive acknowledgment.
type NoteHandler func(ctx context.Context, note relay.Note) error

type ClientOptions struct {
	BaseURL string
	TabID   relay.TabID
	Token   string
	Handler NoteHandler
	Logger  relay.Logger
}

// Client is the application side of the bridge.
type Client struct {
	opts ClientOptions
	conn *websocket.Conn
}

func ConnectURL(baseURL string, tab relay.TabID) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported relay url scheme %q", relay.ErrInvalidInput, parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + ConnectPath
	q := url.Values{}
	q.Set("tabId", strconv.Itoa(int(tab)))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.Handler == nil {
		return nil, relay.ErrInvalidInput
	}
	target, err := ConnectURL(opts.BaseURL, opts.TabID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial relay bridge: %w", err)
	}
	return &Client{opts: opts, conn: conn}, nil
}

// Run answers delivery envelopes until ctx is done or the relay hangs up.
// Frames without the extension source tag or the save action are ignored
// and get no reply.
func (c *Client) Run(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg relay.DeliveryMessage
		if err := json.Unmarshal(data, &msg); err != nil || !msg.Trusted() {
			continue
		}
		ack := relay.Ack{Success: true}
		if err := c.opts.Handler(ctx, msg.Note); err != nil {
			c.logf("storing note %s failed: %v", msg.Note.ID, err)
			ack.Success = false
		}
		if err := wsjson.Write(ctx, c.conn, ack); err != nil {
			return err
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Printf(format, args...)
}
