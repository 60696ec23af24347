package inventory

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws/awstest"
)

const productsTable = "products"

func newFixture(t *testing.T, products ...Product) (*awstest.FakeDynamo, *Store) {
	t.Helper()
	fake := awstest.NewFakeDynamo()
	fake.CreateTable(productsTable, "product_id", "")
	for _, p := range products {
		require.NoError(t, fake.Seed(productsTable, p))
	}
	return fake, NewStore(fake, productsTable)
}

func stockOf(t *testing.T, fake *awstest.FakeDynamo, id string) int {
	t.Helper()
	var p Product
	ok, err := fake.Load(productsTable, &p, id)
	require.NoError(t, err)
	require.True(t, ok)
	return p.StockQty
}

func commit(ctx context.Context, fake *awstest.FakeDynamo, r *Reservation) error {
	tx := aws.NewTransaction()
	tx.Add(TxOwner, r.WriteItems()...)
	err := tx.Commit(ctx, fake, "")
	if txErr, ok := aws.AsTxError(err); ok {
		if failure := r.Failure(txErr); failure != nil {
			return failure
		}
	}
	return err
}

func TestProducts_Snapshot(t *testing.T) {
	_, store := newFixture(t, Product{ProductID: "p1", Price: 19.99, StockQty: 3})

	got, err := store.Products(context.Background(), []string{"p1", "missing", "p1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, decimal.RequireFromString("19.99").Equal(got["p1"].UnitPrice()))

	p, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewReservation_MergesAndValidates(t *testing.T) {
	_, store := newFixture(t)

	r, err := store.NewReservation([]Line{{ProductID: "b", Quantity: 1}, {ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, []Line{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 4}}, r.Lines())

	_, err = store.NewReservation([]Line{{ProductID: "a", Quantity: 0}})
	assert.Error(t, err)
}

func TestReservation_DecrementsOnlyWithEnoughStock(t *testing.T) {
	fake, store := newFixture(t,
		Product{ProductID: "p1", Price: 10, StockQty: 5},
		Product{ProductID: "p2", Price: 10, StockQty: 1},
	)
	ctx := context.Background()

	r, err := store.NewReservation([]Line{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 2}})
	require.NoError(t, err)
	err = commit(ctx, fake, r)
	require.True(t, apperr.IsCode(err, apperr.CodeInsufficientStock))
	assert.Contains(t, err.Error(), "p2")
	assert.Equal(t, 5, stockOf(t, fake, "p1"), "failed reservation must not touch other lines")

	r, err = store.NewReservation([]Line{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, commit(ctx, fake, r))
	assert.Equal(t, 3, stockOf(t, fake, "p1"))
	assert.Equal(t, 0, stockOf(t, fake, "p2"))

	tx := aws.NewTransaction()
	tx.Add("release", r.ReleaseItems()...)
	require.NoError(t, tx.Commit(ctx, fake, ""))
	assert.Equal(t, 5, stockOf(t, fake, "p1"))
	assert.Equal(t, 1, stockOf(t, fake, "p2"))
}

func TestReservation_MissingProductIsInsufficient(t *testing.T) {
	fake, store := newFixture(t)
	r, err := store.NewReservation([]Line{{ProductID: "ghost", Quantity: 1}})
	require.NoError(t, err)

	err = commit(context.Background(), fake, r)
	require.True(t, apperr.IsCode(err, apperr.CodeInsufficientStock))
	assert.Equal(t, 0, fake.Count(productsTable))
}

func TestReservation_NoOversellUnderConcurrency(t *testing.T) {
	const workers = 25
	fake, store := newFixture(t, Product{ProductID: "last-unit", Price: 5, StockQty: 1})

	var wins, insufficient atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			r, err := store.NewReservation([]Line{{ProductID: "last-unit", Quantity: 1}})
			if err != nil {
				return err
			}
			switch err := commit(context.Background(), fake, r); {
			case err == nil:
				wins.Add(1)
			case apperr.IsCode(err, apperr.CodeInsufficientStock):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, workers-1, insufficient.Load())
	assert.Equal(t, 0, stockOf(t, fake, "last-unit"))
}
