package inventory

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// TxOwner tags the reservation's items inside a shared transaction.
const TxOwner = "inventory"

// decrementCondition makes each decrement a single conditional write: the update only
// applies while enough stock remains, so concurrent reservations can never oversell.
const decrementCondition = "attribute_exists(product_id) AND stock_qty >= :q"

// Reservation is a set of per-product conditional stock decrements.
type Reservation struct {
	tableName string
	lines     []Line
}

// Lines returns the merged lines, ordered by product id.
func (r *Reservation) Lines() []Line {
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// WriteItems returns one conditional decrement per product, in Lines order.
func (r *Reservation) WriteItems() []types.TransactWriteItem {
	items := make([]types.TransactWriteItem, 0, len(r.lines))
	for _, l := range r.lines {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           &r.tableName,
			Key:                 productKey(l.ProductID),
			UpdateExpression:    aws.String("SET stock_qty = stock_qty - :q"),
			ConditionExpression: aws.String(decrementCondition),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":q": quantityAttr(l.Quantity),
			},
		}})
	}
	return items
}

// ReleaseItems returns the increments that undo WriteItems.
func (r *Reservation) ReleaseItems() []types.TransactWriteItem {
	return (&Store{tableName: r.tableName}).RestockItems(r.lines)
}

// Failure translates the reservation's failed conditions in txErr into an
// insufficient-stock error naming the first offending product. It returns nil when
// no reservation item failed.
func (r *Reservation) Failure(txErr *aws.TxError) error {
	if txErr == nil {
		return nil
	}
	for _, f := range txErr.ConditionFailures(TxOwner) {
		if f.Index < 0 || f.Index >= len(r.lines) {
			continue
		}
		productID := r.lines[f.Index].ProductID
		return &apperr.Error{
			Op:      "inventory.reserve",
			Kind:    apperr.KindConflict,
			Code:    apperr.CodeInsufficientStock,
			Message: fmt.Sprintf("insufficient stock for product %s", productID),
		}
	}
	return nil
}
