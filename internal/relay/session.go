package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"idlgateway/internal/metrics"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
)

const (
	methodSubscribeParsed = "subscribeParsedAccount"
	methodAccountSub      = "accountSubscribe"
	methodAccountUnsub    = "accountUnsubscribe"
	methodNotification    = "accountNotification"

	closeGrace        = time.Second
	defaultCommitment = "processed"
	pushQueueSize     = 256
)

// conn serializes writes to a websocket connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// shutdown may run while another goroutine is writing; WriteControl and
// Close are safe to call concurrently with WriteMessage.
func (c *conn) shutdown() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	_ = c.ws.Close()
}

// session pairs one client connection with its upstream connection.
type session struct {
	relay    *Relay
	client   *conn
	upstream *conn
	bindings *bindings
	logger   *zap.Logger

	// pushes holds account notifications in arrival order until decoded.
	pushes chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	handlers  sync.WaitGroup
}

func newSession(r *Relay, client, upstream *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		relay:    r,
		client:   &conn{ws: client},
		upstream: &conn{ws: upstream},
		bindings: newBindings(),
		pushes:   make(chan []byte, pushQueueSize),
		logger:   r.logger.With(zap.String("remote", client.RemoteAddr().String())),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// run pumps both directions until either side closes.
func (s *session) run() {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		s.deliver()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(s.upstream, s.handleUpstream)
	}()
	go func() {
		defer wg.Done()
		s.pump(s.client, s.handleClient)
	}()
	wg.Wait()
	s.handlers.Wait()
}

func (s *session) pump(from *conn, handle func(messageType int, data []byte) error) {
	defer s.close()
	for {
		messageType, data, err := from.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if err := handle(messageType, data); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

// close tears down both connections and discards every binding.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.client.shutdown()
		s.upstream.shutdown()
		if n := s.bindings.reset(); n > 0 {
			metrics.RelaySubscriptions.Sub(float64(n))
		}
	})
}

func (s *session) handleClient(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return s.upstream.write(messageType, data)
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Method == "" {
		return s.upstream.write(messageType, data)
	}

	switch env.Method {
	case methodSubscribeParsed:
		return s.subscribe(env)
	case methodAccountUnsub:
		var params []uint64
		if err := json.Unmarshal(env.Params, &params); err == nil && len(params) > 0 {
			if s.bindings.unbind(params[0]) {
				metrics.RelaySubscriptions.Dec()
			}
		}
		return s.upstream.write(messageType, data)
	default:
		if s.relay.dispatcher == nil {
			return s.upstream.write(messageType, data)
		}
		req := &model.Request{JSONRPC: env.JSONRPC, ID: env.ID, Method: env.Method, Params: env.Params}
		if !handledOverSocket(req.Method) {
			return s.upstream.write(messageType, data)
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			resp, handled := s.relay.dispatcher.Dispatch(s.ctx, req)
			if !handled {
				if err := s.upstream.write(messageType, data); err != nil {
					s.close()
				}
				return
			}
			if err := s.client.writeJSON(resp); err != nil {
				s.close()
			}
		}()
		return nil
	}
}

func handledOverSocket(method string) bool {
	switch method {
	case "getParsedAccountData", "getParsedAccountsData", "getParsedTransaction":
		return true
	default:
		return false
	}
}

// subscribe rewrites a subscribeParsedAccount call into accountSubscribe with
// the same request id.
func (s *session) subscribe(env model.Envelope) error {
	key, commitment, err := parseSubscribeParams(env.Params)
	if err != nil || len(env.ID) == 0 {
		if err == nil {
			err = fmt.Errorf("request id is required")
		}
		return s.client.writeJSON(model.NewError(env.ID, model.CodeInvalidParams, "Invalid params",
			map[string]string{"error": err.Error()}))
	}

	if commitment == "" {
		commitment = defaultCommitment
	}
	cfg := map[string]string{"encoding": "base64", "commitment": commitment}
	params, err := json.Marshal([]interface{}{key, cfg})
	if err != nil {
		return err
	}

	s.bindings.request(env.ID, key)
	return s.upstream.writeJSON(model.Request{
		JSONRPC: "2.0",
		ID:      env.ID,
		Method:  methodAccountSub,
		Params:  params,
	})
}

func parseSubscribeParams(raw json.RawMessage) (string, string, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		return "", "", fmt.Errorf("expected [key, config?]")
	}
	var key string
	if err := json.Unmarshal(params[0], &key); err != nil || key == "" {
		return "", "", fmt.Errorf("first param must be a non-empty string")
	}
	var cfg struct {
		Commitment string `json:"commitment"`
	}
	if len(params) > 1 {
		if err := json.Unmarshal(params[1], &cfg); err != nil {
			return "", "", fmt.Errorf("invalid config object: %w", err)
		}
	}
	return key, cfg.Commitment, nil
}

func (s *session) handleUpstream(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return s.client.write(messageType, data)
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return s.client.write(messageType, data)
	}

	if len(env.ID) > 0 && env.Method == "" {
		s.acknowledge(env)
		return s.client.write(messageType, data)
	}

	if env.Method == methodNotification {
		select {
		case s.pushes <- data:
			return nil
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return s.client.write(messageType, data)
}

// deliver decodes queued notifications one at a time so pushes keep their
// order while acks and replies skip the queue.
func (s *session) deliver() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.pushes:
			var env model.Envelope
			out := data
			if err := json.Unmarshal(data, &env); err == nil {
				if decoded, ok := s.decodeNotification(env.Params); ok {
					out = decoded
				}
			}
			if err := s.client.write(websocket.TextMessage, out); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

// acknowledge binds a subscription once upstream answers a pending subscribe.
func (s *session) acknowledge(env model.Envelope) {
	key, ok := s.bindings.take(env.ID)
	if !ok || len(env.Error) > 0 {
		return
	}
	var sub uint64
	if err := json.Unmarshal(env.Result, &sub); err != nil {
		s.logger.Debug("unexpected subscribe ack", zap.ByteString("result", env.Result))
		return
	}
	if !s.bindings.bind(sub, key) {
		return
	}
	metrics.RelaySubscriptions.Inc()

	if w, ok := s.relay.dispatcher.(AccountWarmer); ok {
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			w.WarmAccount(s.ctx, key)
		}()
	}
}

func (s *session) decodeNotification(raw json.RawMessage) ([]byte, bool) {
	var params model.AccountNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Result.Value == nil {
		return nil, false
	}
	key, ok := s.bindings.lookup(params.Subscription)
	if !ok {
		return nil, false
	}

	acc, err := s.relay.decoder.DecodeAccount(s.ctx, key, params.Result.Value, resolver.NewMemo())
	if err != nil {
		s.logger.Debug("notification left undecoded",
			zap.String("key", key),
			zap.Uint64("subscription", params.Subscription),
			zap.Error(err),
		)
		return nil, false
	}

	out, err := json.Marshal(model.ParsedAccountNotification{
		JSONRPC: "2.0",
		Method:  methodNotification,
		Params: model.ParsedAccountNotificationParams{
			Result:       model.ParsedAccountResult{Context: params.Result.Context, Value: acc},
			Subscription: params.Subscription,
		},
	})
	if err != nil {
		return nil, false
	}
	return out, true
}
