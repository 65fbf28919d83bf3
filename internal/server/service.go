package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/ingestion"
	"CreditLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "creditledger.v1.CreditService"

// Queries is the projection-backed read side.
type Queries interface {
	GetPosition(ctx context.Context, id uuid.UUID) (*query.PositionResponse, error)
	GetPositionsByOwner(ctx context.Context, owner common.Address, includeInactive bool) ([]query.PositionResponse, error)
	GetSettlements(ctx context.Context, f query.SettlementFilter) ([]query.SettlementResponse, error)
	GetRiskState(ctx context.Context) (*query.RiskStateResponse, error)
	GetBalance(ctx context.Context, holder, token common.Address) (*query.BalanceResponse, error)
	GetPositionBalance(ctx context.Context, id uuid.UUID, token common.Address) (*query.BalanceResponse, error)
	GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Submitter applies calls and returns their receipts.
type Submitter interface {
	Submit(ctx context.Context, callType string, payload []byte) (*core.Receipt, error)
}

// LiveReader runs a read against the in-memory core.
type LiveReader interface {
	Read(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// --- messages ---

type SubmitRequest struct {
	CallType string          `json:"call_type"`
	Call     json.RawMessage `json:"call"`
}

type PositionRequest struct {
	PositionID uuid.UUID `json:"position_id"`
}

type OwnerRequest struct {
	Owner           common.Address `json:"owner"`
	IncludeInactive bool           `json:"include_inactive,omitempty"`
}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type SettlementsRequest struct {
	PositionID     *uuid.UUID      `json:"position_id,omitempty"`
	Owner          *common.Address `json:"owner,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	BeforeSequence int64           `json:"before_sequence,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

type SettlementsResponse struct {
	Settlements []query.SettlementResponse `json:"settlements"`
}

// BalanceRequest reads a wallet balance, or a position's balance when
// PositionID is set.
type BalanceRequest struct {
	Holder     common.Address `json:"holder"`
	PositionID *uuid.UUID     `json:"position_id,omitempty"`
	Token      common.Address `json:"token"`
}

type JournalsRequest struct {
	Holder         common.Address `json:"holder"`
	Limit          int            `json:"limit,omitempty"`
	BeforeSequence int64          `json:"before_sequence,omitempty"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// HealthRequest evaluates a position at Timestamp, or at the current time
// when it is zero.
type HealthRequest struct {
	PositionID uuid.UUID `json:"position_id"`
	Timestamp  int64     `json:"timestamp,omitempty"`
}

// HealthResponse is a live evaluation against the in-memory core, ahead of
// the projections.
type HealthResponse struct {
	PositionID    uuid.UUID    `json:"position_id"`
	HealthFactor  uint64       `json:"health_factor"` // bps
	Liquidatable  bool         `json:"liquidatable"`
	TotalDebt     *uint256.Int `json:"total_debt"`
	TotalValue    *uint256.Int `json:"total_value"`
	TotalDebtUSD  *uint256.Int `json:"total_debt_usd"`
	TWVUSD        *uint256.Int `json:"twv_usd"`
	EnabledTokens string       `json:"enabled_tokens"`
	Timestamp     int64        `json:"timestamp"`
	AsOfSequence  int64        `json:"as_of_sequence"`
}

type Empty struct{}

// CreditServiceServer is the server API of the credit service.
type CreditServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*core.Receipt, error)
	GetPosition(context.Context, *PositionRequest) (*query.PositionResponse, error)
	GetPositionsByOwner(context.Context, *OwnerRequest) (*PositionsResponse, error)
	GetSettlements(context.Context, *SettlementsRequest) (*SettlementsResponse, error)
	GetRiskState(context.Context, *Empty) (*query.RiskStateResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetJournalHistory(context.Context, *JournalsRequest) (*JournalsResponse, error)
	GetHealth(context.Context, *HealthRequest) (*HealthResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

// CreditService implements CreditServiceServer. Writes go through the
// sequencer; reads come from the projections except GetHealth.
type CreditService struct {
	queries Queries
	ingest  Submitter
	live    LiveReader
	now     func() time.Time
}

func NewCreditService(queries Queries, ingest Submitter, live LiveReader) *CreditService {
	return &CreditService{queries: queries, ingest: ingest, live: live, now: time.Now}
}

func (s *CreditService) Submit(ctx context.Context, req *SubmitRequest) (*core.Receipt, error) {
	if req.CallType == "" {
		return nil, status.Error(codes.InvalidArgument, "call_type is required")
	}
	r, err := s.ingest.Submit(ctx, req.CallType, req.Call)
	return r, toStatus(err)
}

func (s *CreditService) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	if req.PositionID == uuid.Nil {
		return nil, status.Error(codes.InvalidArgument, "position_id is required")
	}
	p, err := s.queries.GetPosition(ctx, req.PositionID)
	return p, toStatus(err)
}

func (s *CreditService) GetPositionsByOwner(ctx context.Context, req *OwnerRequest) (*PositionsResponse, error) {
	if req.Owner == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	positions, err := s.queries.GetPositionsByOwner(ctx, req.Owner, req.IncludeInactive)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (s *CreditService) GetSettlements(ctx context.Context, req *SettlementsRequest) (*SettlementsResponse, error) {
	settlements, err := s.queries.GetSettlements(ctx, query.SettlementFilter{
		PositionID:     req.PositionID,
		Owner:          req.Owner,
		Kind:           req.Kind,
		BeforeSequence: req.BeforeSequence,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &SettlementsResponse{Settlements: settlements}, nil
}

func (s *CreditService) GetRiskState(ctx context.Context, _ *Empty) (*query.RiskStateResponse, error) {
	r, err := s.queries.GetRiskState(ctx)
	return r, toStatus(err)
}

func (s *CreditService) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if req.Token == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	if req.PositionID != nil {
		b, err := s.queries.GetPositionBalance(ctx, *req.PositionID, req.Token)
		return b, toStatus(err)
	}
	if req.Holder == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "holder or position_id is required")
	}
	b, err := s.queries.GetBalance(ctx, req.Holder, req.Token)
	return b, toStatus(err)
}

func (s *CreditService) GetJournalHistory(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	if req.Holder == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "holder is required")
	}
	entries, err := s.queries.GetJournalHistory(ctx, req.Holder, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (s *CreditService) GetHealth(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	if req.PositionID == uuid.Nil {
		return nil, status.Error(codes.InvalidArgument, "position_id is required")
	}
	at := req.Timestamp
	if at == 0 {
		at = s.now().Unix()
	}

	var (
		resp    *HealthResponse
		evalErr error
	)
	err := s.live.Read(ctx, func(c *core.DeterministicCore) {
		cdd, err := c.Evaluate(req.PositionID, at)
		if err != nil {
			evalErr = err
			return
		}
		resp = &HealthResponse{
			PositionID:    req.PositionID,
			HealthFactor:  cdd.HealthFactor(),
			Liquidatable:  cdd.Liquidatable(),
			TotalDebt:     cdd.TotalDebt(),
			TotalValue:    cdd.TotalValue,
			TotalDebtUSD:  cdd.TotalDebtUSD,
			TWVUSD:        cdd.TWVUSD,
			EnabledTokens: cdd.EnabledTokens.String(),
			Timestamp:     at,
			AsOfSequence:  c.GetSequence() - 1,
		}
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if evalErr != nil {
		return nil, toStatus(evalErr)
	}
	return resp, nil
}

func (s *CreditService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	r, err := s.queries.VerifyIntegrity(ctx)
	return r, toStatus(err)
}

// toStatus maps ledger errors to gRPC codes. Core errors go by category.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ingestion.ErrUnknownCallType),
		errors.Is(err, ingestion.ErrEmptyPayload),
		errors.Is(err, ingestion.ErrMalformedCall):
		code = codes.InvalidArgument
	case errors.Is(err, ingestion.ErrSequencerStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = categoryCode(core.Category(err))
	}
	return status.Error(code, err.Error())
}

func categoryCode(c core.ErrorCategory) codes.Code {
	switch c {
	case core.CategoryAuthorization:
		return codes.PermissionDenied
	case core.CategoryState, core.CategoryPolicy, core.CategorySolvency:
		return codes.FailedPrecondition
	case core.CategoryInvalid:
		return codes.InvalidArgument
	case core.CategoryOrdering:
		return codes.Aborted
	default:
		return codes.Unavailable
	}
}

// --- service descriptor ---

func unary[Req, Resp any](name string, call func(CreditServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(CreditServiceServer)
			if interceptor == nil {
				resp, err := call(s, ctx, in)
				return resp, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				resp, err := call(s, ctx, req.(*Req))
				return resp, err
			})
		},
	}
}

// CreditServiceDesc is registered with grpc.Server.RegisterService.
var CreditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", CreditServiceServer.Submit),
		unary("GetPosition", CreditServiceServer.GetPosition),
		unary("GetPositionsByOwner", CreditServiceServer.GetPositionsByOwner),
		unary("GetSettlements", CreditServiceServer.GetSettlements),
		unary("GetRiskState", CreditServiceServer.GetRiskState),
		unary("GetBalance", CreditServiceServer.GetBalance),
		unary("GetJournalHistory", CreditServiceServer.GetJournalHistory),
		unary("GetHealth", CreditServiceServer.GetHealth),
		unary("VerifyIntegrity", CreditServiceServer.VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
