package ledger

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// Chaincode functions exposed by the token contract.
const (
	OpIssueTokens    = "IssueTokens"
	OpTransferTokens = "TransferTokens"
	OpGetBalance     = "GetBalance"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatAmount renders an amount the way the contract expects it.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(domain.AmountScale)
}

// IssueTokens mints amount into accountID.
func IssueTokens(accountID string, amount decimal.Decimal) domain.LedgerOperation {
	return domain.LedgerOperation{Name: OpIssueTokens, Args: []string{accountID, FormatAmount(amount)}}
}

// TransferTokens moves amount between two accounts. The submitting identity must own from.
func TransferTokens(from, to string, amount decimal.Decimal) domain.LedgerOperation {
	return domain.LedgerOperation{Name: OpTransferTokens, Args: []string{from, to, FormatAmount(amount)}}
}

// GetBalance queries the balance of accountID.
func GetBalance(accountID string) domain.LedgerOperation {
	return domain.LedgerOperation{Name: OpGetBalance, Args: []string{accountID}}
}

// OperationFor returns the ledger mutation that realizes tx.
func OperationFor(tx *domain.Transaction) domain.LedgerOperation {
	if tx.Type == domain.TransactionTypeMint {
		return IssueTokens(domain.LedgerAccountID(tx.ReceiverID), tx.Amount)
	}
	return TransferTokens(domain.LedgerAccountID(tx.SenderID), domain.LedgerAccountID(tx.ReceiverID), tx.Amount)
}

// ParseBalance decodes a GetBalance result. The contract answers either with
// an object carrying a "balance" field or with the bare value.
func ParseBalance(payload []byte) (decimal.Decimal, error) {
	data := bytes.TrimSpace(payload)
	if len(data) == 0 {
		return decimal.Zero, fmt.Errorf("empty balance payload")
	}

	value := json.Get(data)
	switch value.ValueType() {
	case jsoniter.ObjectValue:
		value = value.Get("balance")
		if value.ValueType() == jsoniter.InvalidValue {
			return decimal.Zero, fmt.Errorf("balance field missing in %q", data)
		}
	case jsoniter.NumberValue, jsoniter.StringValue:
	default:
		return decimal.Zero, fmt.Errorf("unexpected balance payload %q", data)
	}

	balance, err := decimal.NewFromString(strings.TrimSpace(value.ToString()))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
	}
	return balance, nil
}
