package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// maxTransactItems is the DynamoDB limit for a single TransactWriteItems call.
const maxTransactItems = 100

// Cancellation reason codes reported by DynamoDB.
const (
	ReasonNone                   = "None"
	ReasonConditionalCheckFailed = "ConditionalCheckFailed"
	ReasonTransactionConflict    = "TransactionConflict"
)

// Transaction collects write items contributed by several owners and commits them
// in a single TransactWriteItems call.
type Transaction struct {
	items  []types.TransactWriteItem
	owners []string
}

// NewTransaction returns an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Add appends items on behalf of owner.
func (t *Transaction) Add(owner string, items ...types.TransactWriteItem) {
	for _, it := range items {
		t.items = append(t.items, it)
		t.owners = append(t.owners, owner)
	}
}

// Len returns the number of collected items.
func (t *Transaction) Len() int { return len(t.items) }

// Items returns the collected items in commit order.
func (t *Transaction) Items() []types.TransactWriteItem { return t.items }

// Commit issues TransactWriteItems. token, when non-empty, is sent as the ClientRequestToken
// so a repeated commit of the same items is applied at most once.
// A cancelled transaction is returned as *TxError.
func (t *Transaction) Commit(ctx context.Context, client DynamoDBAPI, token string) error {
	if len(t.items) == 0 {
		return nil
	}
	if len(t.items) > maxTransactItems {
		return fmt.Errorf("transact write: %d items exceeds limit of %d", len(t.items), maxTransactItems)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: t.items,
	}
	if token = strings.TrimSpace(token); token != "" {
		input.ClientRequestToken = &token
	}

	_, err := client.TransactWriteItems(ctx, input)
	if err == nil {
		return nil
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return t.cancellation(tce)
	}
	return fmt.Errorf("transact write: %w", err)
}

func (t *Transaction) cancellation(tce *types.TransactionCanceledException) *TxError {
	txErr := &TxError{Err: tce}
	offsets := map[string]int{}
	for i, owner := range t.owners {
		local := offsets[owner]
		offsets[owner] = local + 1
		if i >= len(tce.CancellationReasons) {
			continue
		}
		code := ReasonNone
		if c := tce.CancellationReasons[i].Code; c != nil {
			code = *c
		}
		if code == ReasonNone || code == "" {
			continue
		}
		txErr.Failures = append(txErr.Failures, TxFailure{Owner: owner, Index: local, Code: code})
	}
	return txErr
}

// TxFailure names the item that caused a transaction to be cancelled.
// Index is relative to the owner's first item.
type TxFailure struct {
	Owner string
	Index int
	Code  string
}

// TxError reports a cancelled transaction.
type TxError struct {
	Failures []TxFailure
	Err      error
}

func (e *TxError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s[%d]=%s", f.Owner, f.Index, f.Code))
	}
	return fmt.Sprintf("transaction canceled: %s", strings.Join(parts, ", "))
}

func (e *TxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Conflict reports whether any item lost to a concurrent transaction.
func (e *TxError) Conflict() bool {
	for _, f := range e.Failures {
		if f.Code == ReasonTransactionConflict {
			return true
		}
	}
	return false
}

// ConditionFailures returns the failed condition checks owned by owner.
func (e *TxError) ConditionFailures(owner string) []TxFailure {
	var out []TxFailure
	for _, f := range e.Failures {
		if f.Owner == owner && f.Code == ReasonConditionalCheckFailed {
			out = append(out, f)
		}
	}
	return out
}

// AsTxError extracts a *TxError from err.
func AsTxError(err error) (*TxError, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr, true
	}
	return nil, false
}

// IsConditionalCheckFailed reports whether a single-item write failed its condition.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// IsConflict reports whether err is an optimistic-concurrency conflict worth retrying.
func IsConflict(err error) bool {
	if txErr, ok := AsTxError(err); ok {
		return txErr.Conflict()
	}
	var tc *types.TransactionConflictException
	if errors.As(err, &tc) {
		return true
	}
	var inProgress *types.TransactionInProgressException
	return errors.As(err, &inProgress)
}

// String returns a pointer to s.
func String(s string) *string { return &s }
