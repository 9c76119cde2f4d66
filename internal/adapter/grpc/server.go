package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/coordinator"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/dashboard"
)

// Server implements the WalletService gRPC server
type Server struct {
	Coordinator      *coordinator.Service
	DashboardService *dashboard.DashboardService

	opts   ServerOptions
	logger *zap.Logger
}

// ServerOptions configures access and balance checks
type ServerOptions struct {
	// OperatorUserID may mint and may read any account.
	OperatorUserID string
	// AlwaysCrossCheck compares every balance read with the ledger.
	AlwaysCrossCheck bool
}

var _ WalletService = (*Server)(nil)

// NewServer creates a new gRPC server instance
func NewServer(
	coordinatorService *coordinator.Service,
	dashboardService *dashboard.DashboardService,
	opts ServerOptions,
	logger *zap.Logger,
) *Server {
	return &Server{
		Coordinator:      coordinatorService,
		DashboardService: dashboardService,
		opts:             opts,
		logger:           logger.Named("grpc"),
	}
}

func (s *Server) isOperator(caller string) bool {
	return caller != "" && caller == s.opts.OperatorUserID
}

// CreateTransaction handles the CreateTransaction RPC
func (s *Server) CreateTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateTransactionRequest
	if err := decodeStruct(in, &req, true); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}

	// Parse amount from string to decimal
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid amount format: %v", err)
	}

	txType := domain.TransactionType(strings.ToLower(req.Type))
	switch txType {
	case domain.TransactionTypeTransfer:
		// Users only ever spend from their own account
		if req.SenderID == "" {
			req.SenderID = caller
		}
		if domain.LedgerAccountID(req.SenderID) != domain.LedgerAccountID(caller) {
			return nil, status.Error(codes.PermissionDenied, "sender must be the calling user")
		}
	case domain.TransactionTypeMint:
		if !s.isOperator(caller) {
			return nil, status.Error(codes.PermissionDenied, "only the operator may mint")
		}
	}

	tx, err := s.Coordinator.Execute(ctx, coordinator.CreateTransactionInput{
		Type:           txType,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Amount:         amount,
		Description:    req.Description,
		Pin:            req.Pin,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, s.fail(ctx, "CreateTransaction", err)
	}

	return structpb.NewStruct(transactionToMap(tx))
}

// ListTransactions handles the ListTransactions RPC
func (s *Server) ListTransactions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListTransactionsRequest
	if err := decodeStruct(in, &req, true); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if req.UserID == "" {
		req.UserID = caller
	}
	if req.UserID != caller && !s.isOperator(caller) {
		return nil, status.Error(codes.PermissionDenied, "cannot list another user's transactions")
	}

	// Validate offset (must be non-negative)
	if req.Offset < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "offset must be non-negative")
	}

	page, err := s.Coordinator.ListTransactions(ctx, req.UserID, req.Limit, req.Offset)
	if err != nil {
		return nil, s.fail(ctx, "ListTransactions", err)
	}

	transactions := make([]interface{}, 0, len(page.Transactions))
	for _, tx := range page.Transactions {
		transactions = append(transactions, transactionToMap(tx))
	}

	return structpb.NewStruct(map[string]interface{}{
		"transactions": transactions,
		"total_count":  page.Total,
		"limit":        page.Limit,
		"offset":       page.Offset,
	})
}

// GetTransaction handles the GetTransaction RPC
func (s *Server) GetTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetTransactionRequest
	if err := decodeStruct(in, &req, true); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}

	// Parse transaction ID
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid id format: %v", err)
	}

	tx, err := s.Coordinator.GetTransaction(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, "GetTransaction", err)
	}
	// Records of other users are reported as missing
	if !tx.Involves(domain.LedgerAccountID(caller)) && !s.isOperator(caller) {
		return nil, status.Errorf(codes.NotFound, "no transaction with id %s", id)
	}

	return structpb.NewStruct(transactionToMap(tx))
}

// GetBalance handles the GetBalance RPC
func (s *Server) GetBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetBalanceRequest
	if err := decodeStruct(in, &req, true); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if req.AccountID == "" {
		req.AccountID = caller
	}
	if domain.LedgerAccountID(req.AccountID) != domain.LedgerAccountID(caller) && !s.isOperator(caller) {
		return nil, status.Error(codes.PermissionDenied, "cannot read another user's balance")
	}

	balance, err := s.Coordinator.GetBalance(ctx, req.AccountID, req.CrossCheck || s.opts.AlwaysCrossCheck)
	if err != nil {
		return nil, s.fail(ctx, "GetBalance", err)
	}

	out := map[string]interface{}{
		"account_id":    balance.AccountID,
		"balance":       formatAmount(balance.Balance),
		"version":       balance.Version,
		"cross_checked": balance.CrossChecked,
		"in_sync":       balance.InSync,
	}
	if balance.CrossChecked {
		out["ledger_balance"] = formatAmount(balance.LedgerBalance)
	}
	return structpb.NewStruct(out)
}

// GetSummary handles the GetSummary RPC
func (s *Server) GetSummary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := requireCaller(ctx); err != nil {
		return nil, err
	}

	summary, err := s.DashboardService.GetSummary(ctx)
	if err != nil {
		return nil, s.fail(ctx, "GetSummary", err)
	}

	return structpb.NewStruct(map[string]interface{}{
		"total_supply": formatAmount(summary.TotalSupply),
		"accounts":     summary.Accounts,
		"users":        summary.Users,
		"transactions": summary.Transactions,
		"unresolved":   summary.Unresolved,
	})
}

// fail maps err to a status and flags outcomes that need reconciliation in
// the response trailer so callers do not retry them blindly.
func (s *Server) fail(ctx context.Context, method string, err error) error {
	st := mapError(err)

	if domain.RequiresReconciliation(err) {
		md := metadata.Pairs(HeaderReconciliationRequired, "true")
		var opErr *domain.OperationError
		if errors.As(err, &opErr) {
			md.Append(HeaderTransactionID, opErr.TransactionID.String())
		}
		if terr := grpc.SetTrailer(ctx, md); terr != nil {
			s.logger.Debug("failed to set response trailer", zap.Error(terr))
		}
	}

	if status.Code(st) == codes.Internal {
		s.logger.Error("request failed", zap.String("method", method), zap.Error(err))
	}
	return st
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(domain.AmountScale)
}

// transactionToMap converts a domain Transaction to its wire form
func transactionToMap(tx *domain.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"id":              tx.ID.String(),
		"type":            string(tx.Type),
		"sender_id":       tx.SenderID,
		"receiver_id":     tx.ReceiverID,
		"amount":          formatAmount(tx.Amount),
		"description":     tx.Description,
		"status":          string(tx.Status),
		"state":           string(tx.State),
		"idempotency_key": tx.IdempotencyKey,
		"ledger_tx_id":    tx.LedgerTxID,
		"failure_reason":  tx.FailureReason,
		"created_at":      tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      tx.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
