package distribution

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

// HTTP routes and headers of the inter-member transport.
const (
	MessagePath  = "/internal/grid/message"
	HealthPath   = "/health"
	SenderHeader = "X-Grid-Sender"
	frameType    = "application/x-hypergrid-frame"
)

const (
	httpReadTimeout      = 5 * time.Second
	httpWriteTimeout     = 5 * time.Second
	defaultClientTimeout = 2 * time.Second
	// internal status code threshold for error classification.
	statusThreshold = 300
)

// Resolver maps a member id to the base URL (scheme+host) of its transport.
type Resolver func(id cluster.NodeID) (string, bool)

// MembershipResolver resolves members through their registered addresses.
func MembershipResolver(m *cluster.Membership) Resolver {
	return func(id cluster.NodeID) (string, bool) {
		n, ok := m.Get(id)
		if !ok || n.State == cluster.NodeDead {
			return "", false
		}

		return "http://" + n.Address, true
	}
}

// HTTPTransport carries frames as HTTP POST bodies: a fiber server receives, a
// net/http client sends.
type HTTPTransport struct {
	local    cluster.NodeID
	addr     string
	app      *fiber.App
	ln       net.Listener
	client   *http.Client
	resolver Resolver
	in       *inbound
	logger   logging.Logger
}

var _ Manager = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for member local listening on bindAddr.
// clientTimeout bounds each outgoing request (2s when zero).
func NewHTTPTransport(local cluster.NodeID, bindAddr string, resolver Resolver, clientTimeout time.Duration, opts ...Option) *HTTPTransport {
	if clientTimeout <= 0 {
		clientTimeout = defaultClientTimeout
	}

	o := buildOptions(opts)

	return &HTTPTransport{
		local:    local,
		addr:     bindAddr,
		app:      fiber.New(fiber.Config{
			ReadTimeout:  httpReadTimeout,
			WriteTimeout: httpWriteTimeout,
			JSONEncoder:  json.Marshal,
			JSONDecoder:  json.Unmarshal,
		}),
		client:   &http.Client{Timeout: clientTimeout},
		resolver: resolver,
		in:       newInbound(local, o),
		logger:   o.logger,
	}
}

// Start registers the routes and begins serving.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.app.Post(MessagePath, func(fctx fiber.Ctx) error {
		from := cluster.NodeID(strings.Clone(fctx.Get(SenderHeader)))
		if from.IsZero() {
			return fctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing sender"})
		}

		// fiber reuses the request buffers once the handler returns
		frame := append([]byte(nil), fctx.Body()...)

		err := t.in.deliver(from, frame)
		if err != nil {
			t.logger.Warn("inbound frame rejected", logging.Fields{
				"from": string(from), "format": frameFormat(frame), "err": err,
			})

			return fctx.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		}

		return fctx.SendStatus(fiber.StatusAccepted)
	})

	t.app.Get(HealthPath, func(fctx fiber.Ctx) error {
		return fctx.SendString("ok")
	})

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return ewrap.Wrap(err, "grid http listen")
	}

	t.ln = ln

	go func() {
		err := t.app.Listener(ln)
		if err != nil {
			t.logger.Error("grid http server stopped", logging.Fields{"err": err})
		}
	}()

	return nil
}

// Address returns the bound listener address (useful when binding :0).
func (t *HTTPTransport) Address() string {
	if t.ln == nil {
		return t.addr
	}

	return t.ln.Addr().String()
}

// LocalID implements Manager.
func (t *HTTPTransport) LocalID() cluster.NodeID { return t.local }

// SetHandler implements Manager.
func (t *HTTPTransport) SetHandler(h Handler) { t.in.setHandler(h) }

// PutOutgoing implements Manager. Recipients are contacted concurrently.
func (t *HTTPTransport) PutOutgoing(ctx context.Context, recipients []cluster.NodeID, msg message.Message) []cluster.NodeID {
	if len(recipients) == 0 {
		return nil
	}

	frame, err := t.in.codec.Encode(msg)
	if err != nil {
		t.logger.Error("encode outgoing message", logging.Fields{"err": err})

		return append([]cluster.NodeID(nil), recipients...)
	}

	var (
		mu     sync.Mutex
		failed []cluster.NodeID
		wg     sync.WaitGroup
	)

	for _, to := range recipients {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := t.post(ctx, to, frame)
			if err == nil {
				return
			}

			t.logger.Warn("send failed", logging.Fields{"to": string(to), "err": err})

			mu.Lock()
			failed = append(failed, to)
			mu.Unlock()
		}()
	}

	wg.Wait()

	return failed
}

func (t *HTTPTransport) post(ctx context.Context, to cluster.NodeID, frame []byte) error {
	base, ok := t.resolver(to)
	if !ok {
		return ewrap.Wrapf(sentinel.ErrMemberNotFound, "%s", to)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+MessagePath, bytes.NewReader(frame))
	if err != nil {
		return ewrap.Wrap(err, "new request")
	}

	hreq.Header.Set("Content-Type", frameType)
	hreq.Header.Set(SenderHeader, string(t.local))

	resp, err := t.client.Do(hreq)
	if err != nil {
		return ewrap.Wrap(err, "do request")
	}

	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // best-effort
	}()

	if resp.StatusCode >= statusThreshold {
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return ewrap.Wrap(rerr, "read error body")
		}

		return ewrap.Newf("send status %d body %s", resp.StatusCode, string(body))
	}

	return nil
}

// Close implements Manager: it stops the server and drains running handlers.
func (t *HTTPTransport) Close() error {
	var err error
	if t.ln != nil {
		err = t.app.Shutdown()
	}

	t.in.close()

	return err
}

// Stop shuts the server down, failing if ctx ends first.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	ch := make(chan error, 1)

	go func() { ch <- t.Close() }()

	select {
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrTimeoutOrCanceled, "grid http shutdown")
	case err := <-ch:
		return err
	}
}
