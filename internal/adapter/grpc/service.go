package grpc

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wallet.v1.WalletService"

// WalletService is the server API. Requests and responses are
// google.protobuf.Struct messages whose fields are described by the
// request and view types in this package.
type WalletService interface {
	CreateTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(WalletService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WalletService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + name,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(WalletService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes WalletService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTransaction", Handler: unaryHandler("CreateTransaction", WalletService.CreateTransaction)},
		{MethodName: "ListTransactions", Handler: unaryHandler("ListTransactions", WalletService.ListTransactions)},
		{MethodName: "GetTransaction", Handler: unaryHandler("GetTransaction", WalletService.GetTransaction)},
		{MethodName: "GetBalance", Handler: unaryHandler("GetBalance", WalletService.GetBalance)},
		{MethodName: "GetSummary", Handler: unaryHandler("GetSummary", WalletService.GetSummary)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wallet/v1/wallet.proto",
}

// RegisterWalletServiceServer registers srv with s
func RegisterWalletServiceServer(s grpc.ServiceRegistrar, srv WalletService) {
	s.RegisterService(&ServiceDesc, srv)
}

// CreateTransactionRequest is the payload of CreateTransaction
type CreateTransactionRequest struct {
	Type           string `mapstructure:"type"`
	SenderID       string `mapstructure:"sender_id"`
	ReceiverID     string `mapstructure:"receiver_id"`
	Amount         string `mapstructure:"amount"`
	Description    string `mapstructure:"description"`
	Pin            string `mapstructure:"pin"`
	IdempotencyKey string `mapstructure:"idempotency_key"`
}

// ListTransactionsRequest is the payload of ListTransactions
type ListTransactionsRequest struct {
	UserID string `mapstructure:"user_id"`
	Limit  int    `mapstructure:"limit"`
	Offset int    `mapstructure:"offset"`
}

// GetTransactionRequest is the payload of GetTransaction
type GetTransactionRequest struct {
	ID string `mapstructure:"id"`
}

// GetBalanceRequest is the payload of GetBalance
type GetBalanceRequest struct {
	AccountID  string `mapstructure:"account_id"`
	CrossCheck bool   `mapstructure:"cross_check"`
}

// TransactionView is the wire form of a transaction record
type TransactionView struct {
	ID             string `mapstructure:"id"`
	Type           string `mapstructure:"type"`
	SenderID       string `mapstructure:"sender_id"`
	ReceiverID     string `mapstructure:"receiver_id"`
	Amount         string `mapstructure:"amount"`
	Description    string `mapstructure:"description"`
	Status         string `mapstructure:"status"`
	State          string `mapstructure:"state"`
	IdempotencyKey string `mapstructure:"idempotency_key"`
	LedgerTxID     string `mapstructure:"ledger_tx_id"`
	FailureReason  string `mapstructure:"failure_reason"`
	CreatedAt      string `mapstructure:"created_at"`
	UpdatedAt      string `mapstructure:"updated_at"`
}

// TransactionListView is the response of ListTransactions
type TransactionListView struct {
	Transactions []TransactionView `mapstructure:"transactions"`
	TotalCount   int               `mapstructure:"total_count"`
	Limit        int               `mapstructure:"limit"`
	Offset       int               `mapstructure:"offset"`
}

// BalanceView is the response of GetBalance
type BalanceView struct {
	AccountID     string `mapstructure:"account_id"`
	Balance       string `mapstructure:"balance"`
	Version       int64  `mapstructure:"version"`
	CrossChecked  bool   `mapstructure:"cross_checked"`
	LedgerBalance string `mapstructure:"ledger_balance"`
	InSync        bool   `mapstructure:"in_sync"`
}

// SummaryView is the response of GetSummary
type SummaryView struct {
	TotalSupply  string `mapstructure:"total_supply"`
	Accounts     int    `mapstructure:"accounts"`
	Users        int    `mapstructure:"users"`
	Transactions int    `mapstructure:"transactions"`
	Unresolved   int    `mapstructure:"unresolved"`
}

// decodeStruct copies msg into out. Numbers arrive as float64, so weak
// typing is on; unknown fields are rejected when strict is set.
func decodeStruct(msg *structpb.Struct, out interface{}, strict bool) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(msg.AsMap())
}

// Client calls WalletService over a client connection
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}, out interface{}, opts ...grpc.CallOption) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, opts...); err != nil {
		return err
	}
	if err := decodeStruct(resp, out, false); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest, opts ...grpc.CallOption) (*TransactionView, error) {
	out := new(TransactionView)
	err := c.invoke(ctx, "CreateTransaction", map[string]interface{}{
		"type":            req.Type,
		"sender_id":       req.SenderID,
		"receiver_id":     req.ReceiverID,
		"amount":          req.Amount,
		"description":     req.Description,
		"pin":             req.Pin,
		"idempotency_key": req.IdempotencyKey,
	}, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTransactions(ctx context.Context, req ListTransactionsRequest, opts ...grpc.CallOption) (*TransactionListView, error) {
	out := new(TransactionListView)
	err := c.invoke(ctx, "ListTransactions", map[string]interface{}{
		"user_id": req.UserID,
		"limit":   req.Limit,
		"offset":  req.Offset,
	}, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTransaction(ctx context.Context, id string, opts ...grpc.CallOption) (*TransactionView, error) {
	out := new(TransactionView)
	if err := c.invoke(ctx, "GetTransaction", map[string]interface{}{"id": id}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, req GetBalanceRequest, opts ...grpc.CallOption) (*BalanceView, error) {
	out := new(BalanceView)
	err := c.invoke(ctx, "GetBalance", map[string]interface{}{
		"account_id":  req.AccountID,
		"cross_check": req.CrossCheck,
	}, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSummary(ctx context.Context, opts ...grpc.CallOption) (*SummaryView, error) {
	out := new(SummaryView)
	if err := c.invoke(ctx, "GetSummary", map[string]interface{}{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
