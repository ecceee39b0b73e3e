// Package relay forwards websocket traffic between clients and the upstream
// node, decoding account notifications for subscriptions made through
// subscribeParsedAccount.
package relay

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"idlgateway/internal/metrics"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
)

const defaultDialTimeout = 10 * time.Second

// AccountDecoder enriches a pushed account.
type AccountDecoder interface {
	DecodeAccount(ctx context.Context, key string, info *model.AccountInfo, memo *resolver.Memo) (*model.ParsedAccount, error)
}

// Dispatcher answers JSON-RPC requests the gateway handles itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *model.Request) (*model.Response, bool)
}

// AccountWarmer loads the schema of an account's owner ahead of its first
// notification. Dispatchers may implement it.
type AccountWarmer interface {
	WarmAccount(ctx context.Context, key string)
}

// Options configures a Relay.
type Options struct {
	// UpstreamURL is the ws(s) endpoint of the node.
	UpstreamURL string
	DialTimeout time.Duration
	// CheckOrigin filters client upgrades; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Relay is an http.Handler that upgrades clients and pairs each one with its
// own upstream connection.
type Relay struct {
	opts       Options
	decoder    AccountDecoder
	dispatcher Dispatcher
	logger     *zap.Logger

	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	sessions atomic.Int64
}

func New(opts Options, decoder AccountDecoder, dispatcher Dispatcher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Relay{
		opts:       opts,
		decoder:    decoder,
		dispatcher: dispatcher,
		logger:     logger,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		dialer:     websocket.Dialer{HandshakeTimeout: opts.DialTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

// Sessions reports the number of open client connections.
func (r *Relay) Sessions() int {
	return int(r.sessions.Load())
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	client, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DialTimeout)
	upstream, _, err := r.dialer.DialContext(ctx, r.opts.UpstreamURL, nil)
	cancel()
	if err != nil {
		r.logger.Warn("upstream websocket dial failed", zap.String("url", r.opts.UpstreamURL), zap.Error(err))
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "upstream unavailable"),
			time.Now().Add(time.Second))
		_ = client.Close()
		return
	}

	r.sessions.Add(1)
	metrics.RelayConnections.Inc()
	defer func() {
		r.sessions.Add(-1)
		metrics.RelayConnections.Dec()
	}()

	s := newSession(r, client, upstream)
	s.run()
}
