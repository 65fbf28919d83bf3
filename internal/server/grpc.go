package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"CreditLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds HTTP request bodies.
const maxBodyBytes = 1 << 20

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       CreditServiceServer
	limiter       *PeerLimiter
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Service       CreditServiceServer
	Limiter       *PeerLimiter // nil disables rate limiting
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	var interceptors []grpc.UnaryServerInterceptor
	interceptors = append(interceptors, recoveryInterceptor(deps.Logger))
	if deps.Limiter != nil {
		interceptors = append(interceptors, deps.Limiter.UnaryInterceptor())
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))

	grpcServer.RegisterService(&CreditServiceDesc, deps.Service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		limiter:       deps.Limiter,
		healthChecker: deps.HealthChecker,
		log:           deps.Logger,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler serves the credit service as HTTP/JSON plus the health
// endpoints. Requests call the service in-process.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		h                     func(*http.Request, map[string]string) (any, error)
	}{
		{"POST", "/v1/calls/{call_type}", "Submit", s.httpSubmit},
		{"GET", "/v1/positions/{position_id}", "GetPosition", s.httpGetPosition},
		{"GET", "/v1/positions/{position_id}/health", "GetHealth", s.httpGetHealth},
		{"GET", "/v1/positions/{position_id}/balances/{token}", "GetBalance", s.httpGetPositionBalance},
		{"GET", "/v1/owners/{owner}/positions", "GetPositionsByOwner", s.httpGetPositionsByOwner},
		{"GET", "/v1/owners/{owner}/journals", "GetJournalHistory", s.httpGetJournals},
		{"GET", "/v1/balances/{holder}/{token}", "GetBalance", s.httpGetBalance},
		{"GET", "/v1/settlements", "GetSettlements", s.httpGetSettlements},
		{"GET", "/v1/risk", "GetRiskState", s.httpGetRiskState},
		{"GET", "/v1/integrity", "VerifyIntegrity", s.httpVerifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.name, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) wrap(name string, h func(*http.Request, map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if s.limiter != nil && !s.limiter.Allow(clientHost(r.RemoteAddr), FullMethod(name)) {
			writeError(w, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
			return
		}
		resp, err := h(r, params)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

// --- HTTP handlers ---

func (s *GRPCServer) httpSubmit(r *http.Request, p map[string]string) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	return s.service.Submit(r.Context(), &SubmitRequest{CallType: p["call_type"], Call: body})
}

func (s *GRPCServer) httpGetPosition(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "position_id")
	if err != nil {
		return nil, err
	}
	return s.service.GetPosition(r.Context(), &PositionRequest{PositionID: id})
}

func (s *GRPCServer) httpGetHealth(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "position_id")
	if err != nil {
		return nil, err
	}
	at, err := queryInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	return s.service.GetHealth(r.Context(), &HealthRequest{PositionID: id, Timestamp: at})
}

func (s *GRPCServer) httpGetPositionBalance(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "position_id")
	if err != nil {
		return nil, err
	}
	token, err := pathAddress(p, "token")
	if err != nil {
		return nil, err
	}
	return s.service.GetBalance(r.Context(), &BalanceRequest{PositionID: &id, Token: token})
}

func (s *GRPCServer) httpGetPositionsByOwner(r *http.Request, p map[string]string) (any, error) {
	owner, err := pathAddress(p, "owner")
	if err != nil {
		return nil, err
	}
	all := r.URL.Query().Get("include_inactive") == "true"
	return s.service.GetPositionsByOwner(r.Context(), &OwnerRequest{Owner: owner, IncludeInactive: all})
}

func (s *GRPCServer) httpGetJournals(r *http.Request, p map[string]string) (any, error) {
	owner, err := pathAddress(p, "owner")
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before")
	if err != nil {
		return nil, err
	}
	return s.service.GetJournalHistory(r.Context(), &JournalsRequest{Holder: owner, Limit: int(limit), BeforeSequence: before})
}

func (s *GRPCServer) httpGetBalance(r *http.Request, p map[string]string) (any, error) {
	holder, err := pathAddress(p, "holder")
	if err != nil {
		return nil, err
	}
	token, err := pathAddress(p, "token")
	if err != nil {
		return nil, err
	}
	return s.service.GetBalance(r.Context(), &BalanceRequest{Holder: holder, Token: token})
}

func (s *GRPCServer) httpGetSettlements(r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	req := &SettlementsRequest{Kind: q.Get("kind")}
	if v := q.Get("position_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid position_id: %v", err)
		}
		req.PositionID = &id
	}
	if v := q.Get("owner"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid owner %q", v)
		}
		owner := common.HexToAddress(v)
		req.Owner = &owner
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before")
	if err != nil {
		return nil, err
	}
	req.Limit, req.BeforeSequence = int(limit), before
	return s.service.GetSettlements(r.Context(), req)
}

func (s *GRPCServer) httpGetRiskState(r *http.Request, _ map[string]string) (any, error) {
	return s.service.GetRiskState(r.Context(), &Empty{})
}

func (s *GRPCServer) httpVerifyIntegrity(r *http.Request, _ map[string]string) (any, error) {
	return s.service.VerifyIntegrity(r.Context(), &Empty{})
}

func pathUUID(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return id, nil
}

func pathAddress(p map[string]string, name string) (common.Address, error) {
	v := p[name]
	if !common.IsHexAddress(v) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, v)
	}
	return common.HexToAddress(v), nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return n, nil
}

// ============================================================================
// Interceptors
// ============================================================================

func recoveryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("rpc panicked")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// PeerLimiter is a token bucket per client host, shared by the gRPC and
// HTTP surfaces.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	metrics *observability.Metrics

	mu    sync.Mutex
	peers map[string]*peerEntry
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter allows perSecond requests per peer with the given burst.
func NewPeerLimiter(perSecond float64, burst int, metrics *observability.Metrics) *PeerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &PeerLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     10 * time.Minute,
		metrics: metrics,
		peers:   make(map[string]*peerEntry),
	}
}

// Allow takes one token for peer, counting a rejection against method.
func (l *PeerLimiter) Allow(peer, method string) bool {
	now := time.Now()
	l.mu.Lock()
	e, ok := l.peers[peer]
	if !ok {
		e = &peerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[peer] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true
	}
	if l.metrics != nil {
		l.metrics.RPCThrottled.WithLabelValues(method).Inc()
	}
	return false
}

// Sweep drops peers idle for longer than the ttl.
func (l *PeerLimiter) Sweep() {
	cutoff := time.Now().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, e := range l.peers {
		if e.lastSeen.Before(cutoff) {
			delete(l.peers, p)
		}
	}
}

// Run sweeps idle peers until ctx is cancelled.
func (l *PeerLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *PeerLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		host := "unknown"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			host = clientHost(p.Addr.String())
		}
		if !l.Allow(host, info.FullMethod) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func clientHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
