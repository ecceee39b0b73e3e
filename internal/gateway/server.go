package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"idlgateway/internal/chain"
	"idlgateway/internal/metrics"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
)

const (
	maxBodyBytes = 10 << 20

	defaultBatchCommitment = "processed"
	defaultTxCommitment    = "confirmed"
	idlParsedEncoding      = "idlParsed"
)

// Upstream is the node API the gateway decodes results from.
type Upstream interface {
	GetAccountInfo(ctx context.Context, key string, commitment string) (*model.AccountResult, error)
	GetMultipleAccounts(ctx context.Context, keys []string, commitment string) (*model.MultipleAccountsResult, error)
	GetTransaction(ctx context.Context, signature string, commitment string) (json.RawMessage, error)
}

// Server answers decoded JSON-RPC methods and forwards everything else.
type Server struct {
	upstream Upstream
	enricher *Enricher
	proxy    http.Handler
	stream   http.Handler
	logger   *zap.Logger
}

func NewServer(upstream Upstream, enricher *Enricher, proxy http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{upstream: upstream, enricher: enricher, proxy: proxy, logger: logger}
}

// SetStreamHandler installs the handler for websocket upgrades on "/".
func (s *Server) SetStreamHandler(h http.Handler) {
	s.stream = h
}

// Handler builds the routed HTTP handler. An empty origin list allows any origin.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.MatcherFunc(isWebsocketUpgrade).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.stream == nil {
			http.Error(w, "streaming not enabled", http.StatusNotImplemented)
			return
		}
		s.stream.ServeHTTP(w, r)
	})
	router.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	router.PathPrefix("/").HandlerFunc(s.forward)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(router)
}

func isWebsocketUpgrade(r *http.Request, _ *mux.RouteMatch) bool {
	return r.Method == http.MethodGet &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		http.Error(w, "no upstream", http.StatusBadGateway)
		return
	}
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, model.NewError(nil, model.CodeParseError, "Parse error", nil))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if !json.Valid(trimmed) {
			s.writeJSON(w, model.NewError(nil, model.CodeParseError, "Parse error", nil))
			return
		}
		metrics.RPCRequests.WithLabelValues("batch", "false").Inc()
		s.forward(w, r)
		return
	}

	var req model.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		s.writeJSON(w, model.NewError(nil, model.CodeParseError, "Parse error", nil))
		return
	}

	start := time.Now()
	resp, handled := s.Dispatch(r.Context(), &req)
	if !handled {
		metrics.RPCRequests.WithLabelValues("passthrough", "false").Inc()
		s.forward(w, r)
		return
	}
	metrics.RPCRequests.WithLabelValues(req.Method, "true").Inc()
	metrics.RPCDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	s.writeJSON(w, resp)
}

// Dispatch answers the methods the gateway decodes. handled is false for
// methods that must be forwarded to the upstream node unchanged.
func (s *Server) Dispatch(ctx context.Context, req *model.Request) (*model.Response, bool) {
	switch req.Method {
	case "getParsedAccountData":
		key, commitment, err := parseKeyParams(req.Params)
		if err != nil {
			return invalidParams(req.ID, err), true
		}
		return s.parsedAccount(ctx, req.ID, key, commitment), true
	case "getAccountInfo":
		key, cfg, err := parseKeyConfig(req.Params)
		if err != nil || cfg.Encoding != idlParsedEncoding {
			return nil, false
		}
		return s.parsedAccount(ctx, req.ID, key, cfg.Commitment), true
	case "getParsedAccountsData":
		p, err := parseAccountsParams(req.Params)
		if err != nil {
			return invalidParams(req.ID, err), true
		}
		return s.parsedAccounts(ctx, req.ID, p), true
	case "getParsedTransaction":
		sig, commitment, err := parseKeyParams(req.Params)
		if err != nil {
			return invalidParams(req.ID, err), true
		}
		if _, err := solana.SignatureFromBase58(sig); err != nil {
			return model.NewError(req.ID, model.CodeInvalidParams, "Invalid signature", map[string]string{"signature": sig}), true
		}
		return s.parsedTransaction(ctx, req.ID, sig, commitment), true
	default:
		return nil, false
	}
}

func (s *Server) parsedAccount(ctx context.Context, id json.RawMessage, key, commitment string) *model.Response {
	if _, err := solana.PublicKeyFromBase58(key); err != nil {
		return model.NewError(id, model.CodeInvalidParams, "Invalid public key", map[string]string{"account": key})
	}
	res, err := s.upstream.GetAccountInfo(ctx, key, commitment)
	if err != nil {
		return s.upstreamError(id, "getAccountInfo", err)
	}
	if res.Value == nil {
		return model.NewResult(id, model.ParsedAccountResult{Context: res.Context})
	}

	acc, err := s.enricher.DecodeAccount(ctx, key, res.Value, resolver.NewMemo())
	if err != nil {
		if errors.Is(err, resolver.ErrSchemaNotFound) {
			return model.NewError(id, model.CodeInvalidParams, "IDL not found for program",
				map[string]string{"programId": res.Value.Owner})
		}
		return model.NewError(id, model.CodeInvalidParams, "Failed to decode account data",
			map[string]string{"error": errors.Unwrap(err).Error(), "account": key})
	}
	return model.NewResult(id, model.ParsedAccountResult{Context: res.Context, Value: acc})
}

// WarmAccount resolves the schema of key's owner so the relay's first
// notification for a new subscription finds it cached.
func (s *Server) WarmAccount(ctx context.Context, key string) {
	res, err := s.upstream.GetAccountInfo(ctx, key, defaultBatchCommitment)
	if err != nil || res.Value == nil {
		return
	}
	if _, err := s.enricher.resolver.Resolve(ctx, res.Value.Owner, nil); err != nil {
		s.logger.Debug("schema warm-up failed", zap.String("account", key), zap.Error(err))
	}
}

func (s *Server) parsedAccounts(ctx context.Context, id json.RawMessage, p accountsParams) *model.Response {
	for _, key := range p.Pubkeys {
		if _, err := solana.PublicKeyFromBase58(key); err != nil {
			return model.NewError(id, model.CodeInvalidParams, "Invalid public key", map[string]string{"account": key})
		}
	}
	commitment := p.Commitment
	if commitment == "" {
		commitment = defaultBatchCommitment
	}

	res, err := s.upstream.GetMultipleAccounts(ctx, p.Pubkeys, commitment)
	if err != nil {
		return s.upstreamError(id, "getMultipleAccounts", err)
	}
	accounts, outcomes := s.enricher.DecodeMany(ctx, p.Pubkeys, res.Value, p.OnlyParsed)
	for _, o := range outcomes {
		s.logger.Debug("account left unparsed",
			zap.String("key", o.Key),
			zap.String("program", o.Program),
			zap.Error(o.Err),
		)
	}
	return model.NewResult(id, model.ParsedAccountsResult{Context: res.Context, Value: accounts})
}

func (s *Server) parsedTransaction(ctx context.Context, id json.RawMessage, sig, commitment string) *model.Response {
	if commitment == "" {
		commitment = defaultTxCommitment
	}
	raw, err := s.upstream.GetTransaction(ctx, sig, commitment)
	if err != nil {
		return s.upstreamError(id, "getTransaction", err)
	}
	if raw == nil {
		return model.NewResult(id, nil)
	}

	tx, outcomes, err := s.enricher.DecodeTransaction(ctx, raw)
	if err != nil {
		return s.upstreamError(id, "getTransaction", err)
	}
	for _, o := range outcomes {
		s.logger.Debug("instruction left unparsed",
			zap.String("signature", sig),
			zap.Int("index", o.Index),
			zap.String("program", o.Program),
			zap.Error(o.Err),
		)
	}
	return model.NewResult(id, tx)
}

// upstreamError maps a failed upstream call to a JSON-RPC error. Errors the
// node answered with keep their own code and message.
func (s *Server) upstreamError(id json.RawMessage, method string, err error) *model.Response {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		var data interface{}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			data = dataErr.ErrorData()
		}
		return model.NewError(id, rpcErr.ErrorCode(), rpcErr.Error(), data)
	}
	if errors.Is(err, chain.ErrMalformedResponse) {
		s.logger.Warn("malformed upstream response", zap.String("method", method), zap.Error(err))
		return model.NewError(id, model.CodeInternalError, "Malformed upstream response", nil)
	}
	s.logger.Warn("upstream request failed", zap.String("method", method), zap.Error(err))
	return model.NewError(id, model.CodeInternalError, "Upstream request failed", map[string]string{"error": err.Error()})
}

func invalidParams(id json.RawMessage, err error) *model.Response {
	return model.NewError(id, model.CodeInvalidParams, "Invalid params", map[string]string{"error": err.Error()})
}

type keyConfig struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment"`
}

// parseKeyConfig reads params of the form [string, {config}?].
func parseKeyConfig(raw json.RawMessage) (string, keyConfig, error) {
	var cfg keyConfig
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		return "", cfg, fmt.Errorf("expected [key, config?]")
	}
	var key string
	if err := json.Unmarshal(params[0], &key); err != nil || key == "" {
		return "", cfg, fmt.Errorf("first param must be a non-empty string")
	}
	if len(params) > 1 && !bytes.Equal(bytes.TrimSpace(params[1]), []byte("null")) {
		if err := json.Unmarshal(params[1], &cfg); err != nil {
			return "", cfg, fmt.Errorf("invalid config object: %w", err)
		}
	}
	return key, cfg, nil
}

func parseKeyParams(raw json.RawMessage) (string, string, error) {
	key, cfg, err := parseKeyConfig(raw)
	return key, cfg.Commitment, err
}

type accountsParams struct {
	Pubkeys    []string `json:"pubkeys"`
	OnlyParsed bool     `json:"onlyParsed"`
	Commitment string   `json:"commitment"`
}

// parseAccountsParams accepts {pubkeys, onlyParsed?, commitment?}, the same
// object wrapped in an array, or [[pubkeys], {onlyParsed?, commitment?}].
// An empty pubkeys list is valid; a missing or null one is not.
func parseAccountsParams(raw json.RawMessage) (accountsParams, error) {
	var p accountsParams
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return p, fmt.Errorf("pubkeys are required")
	}

	switch raw[0] {
	case '{':
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("invalid params object: %w", err)
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return p, fmt.Errorf("invalid params array")
		}
		first := bytes.TrimSpace(items[0])
		if len(first) > 0 && first[0] == '{' {
			if err := json.Unmarshal(first, &p); err != nil {
				return p, fmt.Errorf("invalid params object: %w", err)
			}
			break
		}
		if err := json.Unmarshal(first, &p.Pubkeys); err != nil {
			return p, fmt.Errorf("first param must be a list of pubkeys")
		}
		if len(items) > 1 {
			var cfg struct {
				OnlyParsed bool   `json:"onlyParsed"`
				Commitment string `json:"commitment"`
			}
			if err := json.Unmarshal(items[1], &cfg); err != nil {
				return p, fmt.Errorf("invalid config object: %w", err)
			}
			p.OnlyParsed, p.Commitment = cfg.OnlyParsed, cfg.Commitment
		}
	default:
		return p, fmt.Errorf("params must be an object or array")
	}

	if p.Pubkeys == nil {
		return p, fmt.Errorf("pubkeys are required")
	}
	return p, nil
}

// writeJSON encodes the reply before writing so a result that cannot be
// marshaled turns into an internal error instead of an empty body.
func (s *Server) writeJSON(w http.ResponseWriter, resp *model.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response failed", zap.ByteString("id", resp.ID), zap.Error(err))
		body, _ = json.Marshal(model.NewError(resp.ID, model.CodeInternalError, "Failed to encode response", nil))
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(body, '\n'))
}
