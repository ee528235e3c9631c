package service

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/foodbot/internal/model"
	"github.com/mmeshcher/foodbot/internal/repository/memory"
)

func TestRegister_OpensWalletOnce(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	created, err := svc.Register(ctx, testUser, "aigerim")
	require.NoError(t, err)
	assert.True(t, created)

	_, err = svc.TopUp(ctx, testUser, 500)
	require.NoError(t, err)

	created, err = svc.Register(ctx, testUser, "aigerim")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := svc.GetWalletBalance(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().InitialBalance+500, balance)
}

func TestAddToBasket_AggregatesByName(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testUser, 0)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.AddToBasket(ctx, testUser, "Лагман", 120000, 1)
	require.NoError(t, err)
	_, err = svc.AddToBasket(ctx, testUser, "  Лагман ", 130000, 1)
	require.NoError(t, err)

	view, err := svc.GetBasketView(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, "Лагман", view.Lines[0].ItemName)
	assert.Equal(t, 2, view.Lines[0].Quantity)
	assert.Equal(t, model.Money(250000), view.Lines[0].TotalPrice)
	assert.Equal(t, model.Money(250000), view.Total)
}

func TestAddToBasket_RejectsInvalidItem(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testUser, 0)
	svc := newTestService(repo)

	_, err := svc.AddToBasket(context.Background(), testUser, " ", 100, 1)
	assert.ErrorIs(t, err, model.ErrInvalidItem)
	assert.Equal(t, 0, repo.callCount("AddBasketEntry"))
}

func TestClearBasket(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testUser, 0, entry("tea", 50000), entry("tea", 50000))
	svc := newTestService(repo)

	require.NoError(t, svc.ClearBasket(context.Background(), testUser))
	assert.Empty(t, repo.basket(testUser))
}

func TestTopUp_RejectsOutOfRangeAmounts(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testUser, 100)
	svc := newTestService(repo)

	for _, amount := range []model.Money{0, -100, model.MaxAmount + 1, math.MaxInt64} {
		_, err := svc.TopUp(context.Background(), testUser, amount)
		assert.ErrorIs(t, err, model.ErrInvalidAmount, "amount %d", int64(amount))
	}
	assert.Equal(t, model.Money(100), repo.balance(testUser))
	assert.Equal(t, 0, repo.callCount("Credit"))
}

func TestTopUp_BalanceOverflow(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(store, func(o *Options) { o.InitialBalance = math.MaxInt64 - 10 })
	ctx := context.Background()

	_, err := svc.Register(ctx, testUser, "dana")
	require.NoError(t, err)

	_, err = svc.TopUp(ctx, testUser, 100)
	assert.ErrorIs(t, err, model.ErrAmountOutOfRange)

	balance, err := svc.GetWalletBalance(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, model.Money(math.MaxInt64-10), balance)
}

func TestAddToBasket_RejectsPriceAboveLimit(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testUser, 0)
	svc := newTestService(repo)

	_, err := svc.AddToBasket(context.Background(), testUser, "burger", model.MaxAmount+1, 1)
	assert.ErrorIs(t, err, model.ErrInvalidItem)
	assert.Equal(t, 0, repo.callCount("AddBasketEntry"))
}

func TestGetProfile(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.GetProfile(ctx, testUser)
	assert.ErrorIs(t, err, model.ErrUserNotFound)

	_, err = svc.Register(ctx, testUser, "aigerim")
	require.NoError(t, err)

	u, err := svc.GetProfile(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, testUser, u.ID)
	assert.Equal(t, "aigerim", u.Username)
}

func TestGetOrderDetail_HidesForeignOrders(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testUser, 1000000, entry("burger", 250000))
	repo.seed(2, 1000000)
	svc := newTestService(repo)
	ctx := context.Background()

	res, err := svc.Checkout(ctx, testUser, "key-1")
	require.NoError(t, err)
	orderID := res.Order.Order.ID

	detail, err := svc.GetOrderDetail(ctx, testUser, orderID)
	require.NoError(t, err)
	assert.Equal(t, orderID, detail.Order.ID)
	assert.Len(t, detail.Lines, 1)

	_, err = svc.GetOrderDetail(ctx, 2, orderID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	orders, err := svc.ListOrders(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestService_MemoryStoreEndToEnd(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Register(ctx, testUser, "dana")
	require.NoError(t, err)
	_, err = svc.AddToBasket(ctx, testUser, "burger", 250000, 1)
	require.NoError(t, err)
	_, err = svc.AddToBasket(ctx, testUser, "fries", 100000, 1)
	require.NoError(t, err)

	res, err := svc.Checkout(ctx, testUser, "key-1")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutCommitted, res.Outcome)
	assert.Equal(t, DefaultOptions().InitialBalance-350000, res.Balance)

	view, err := svc.GetBasketView(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)

	lines, err := store.GetOrderLines(ctx, res.Order.Order.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	total, err := model.LinesTotal(lines)
	require.NoError(t, err)
	assert.Equal(t, model.Money(350000), total)

	orders, err := svc.ListOrders(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusReceived, orders[0].Status)

	require.NoError(t, svc.Close())
}
