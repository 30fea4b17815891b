package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/lancon/relay/internal/relay"
	"github.com/lancon/relay/internal/user"
	"github.com/lancon/relay/internal/ws"
)

type WSClient struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// ConnectWS dials serverURL + path + "/" + identity.
func ConnectWS(ctx context.Context, serverURL, path string, identity user.Identity, token string) (*WSClient, error) {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if path = strings.Trim(path, "/"); path != "" {
		wsURL += "/" + path
	}
	wsURL += "/" + url.PathEscape(identity.String()) + "?token=" + url.QueryEscape(token)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
	}, nil
}

func (c *WSClient) Send(env relay.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	writeCtx, writeCancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer writeCancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// ReadLoop forwards deliveries to ch until the connection ends, then closes ch
// and returns the read error.
func (c *WSClient) ReadLoop(ch chan<- relay.Delivery) error {
	defer close(ch)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		var d relay.Delivery
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		select {
		case ch <- d:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	// Close before cancel, or the pending Read turns the handshake into 1008.
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
}

type chatOptions struct {
	as        string
	to        string
	translate bool
	password  string
}

func chatCmd(a *app) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect as a user and exchange messages",
		Long: "Connect as a user and exchange messages. Each input line is sent as\n" +
			"\"recipient: message\", or to --to when it is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return a.chat(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.as, "as", "", "identity to connect as")
	cmd.Flags().StringVar(&opts.to, "to", "", "send every line to this user")
	cmd.Flags().BoolVar(&opts.translate, "translate", false, "ask for translation into the recipient's language")
	cmd.Flags().StringVar(&opts.password, "password", "", "log in with this password instead of a token")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func (a *app) chat(ctx context.Context, opts chatOptions) error {
	token := a.settings.Token
	if opts.password != "" {
		loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		resp, err := a.api.Token(loginCtx, opts.as, opts.password)
		cancel()
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		token = resp.AccessToken
	}
	if token == "" {
		return errors.New("no token: pass --password, --token or set RELAYCTL_TOKEN")
	}

	client, err := ConnectWS(ctx, a.settings.Server, a.settings.WSPath, user.Identity(opts.as), token)
	if err != nil {
		return err
	}
	defer client.Close()

	p := newPrinter(a.stdout, a.settings.Colours)
	p.info(fmt.Sprintf("connected as %s", opts.as))

	deliveries := make(chan relay.Delivery, 16)
	readErr := make(chan error, 1)
	go func() { readErr <- client.ReadLoop(deliveries) }()

	lineCtx, stopLines := context.WithCancel(ctx)
	defer stopLines()
	lines := make(chan string)
	go scanLines(lineCtx, a.stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				err := <-readErr
				return disconnectError(err)
			}
			p.delivery(d)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			env, err := parseLine(line, opts.to)
			if err != nil {
				p.warn(err.Error())
				continue
			}
			if env.To == "" {
				continue
			}
			env.Lang = opts.translate
			if err := client.Send(env); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// scanLines sends each line of r to out until r ends or ctx is done. A read
// already blocked on r is only released when r itself returns.
func scanLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// parseLine turns an input line into an envelope. Blank lines yield an empty
// envelope and no error.
func parseLine(line, defaultTo string) (relay.Envelope, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return relay.Envelope{}, nil
	}
	if defaultTo != "" {
		return relay.Envelope{To: user.Identity(defaultTo), Message: line}, nil
	}
	to, msg, ok := strings.Cut(line, ":")
	to, msg = strings.TrimSpace(to), strings.TrimSpace(msg)
	if !ok || to == "" || msg == "" {
		return relay.Envelope{}, errors.New(`expected "recipient: message"`)
	}
	return relay.Envelope{To: user.Identity(to), Message: msg}, nil
}

func disconnectError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return nil
	case websocket.StatusGoingAway:
		return errors.New("server shutting down")
	case websocket.StatusPolicyViolation:
		return errors.New("rejected: check the token matches --as")
	case ws.StatusSuperseded:
		return errors.New("signed in elsewhere")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("connection lost: %w", err)
}

type printer struct {
	w       io.Writer
	colours bool
	from    color.Style
	notice  color.Style
	alert   color.Style
}

func newPrinter(w io.Writer, colours bool) *printer {
	return &printer{
		w:       w,
		colours: colours,
		from:    color.New(color.FgCyan, color.OpBold),
		notice:  color.New(color.FgGray),
		alert:   color.New(color.FgYellow),
	}
}

func (p *printer) render(s color.Style, text string) string {
	if !p.colours {
		return text
	}
	return s.Render(text)
}

func (p *printer) delivery(d relay.Delivery) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.from, "["+d.From.String()+"]"), d.Message)
}

func (p *printer) info(msg string) {
	fmt.Fprintln(p.w, p.render(p.notice, "* "+msg))
}

func (p *printer) warn(msg string) {
	fmt.Fprintln(p.w, p.render(p.alert, "! "+msg))
}
