package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/foodbot/internal/model"
	"github.com/mmeshcher/foodbot/internal/repository"
)

func newPostgresService(t *testing.T, tune ...func(*Options)) (*Service, *repository.PostgresRepository) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set, skipping Postgres integration tests")
	}

	repo, err := repository.NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return newTestService(repo, tune...), repo
}

// uniqueUser выдаёт идентификатор, не пересекающийся с данными прошлых запусков.
func uniqueUser() int64 {
	return time.Now().UnixNano() / 1000
}

func TestPostgresCheckout_Commits(t *testing.T) {
	svc, repo := newPostgresService(t, func(o *Options) {
		o.InitialBalance = 1000000
		o.OrderEventsTopic = "foodbot.orders"
	})
	ctx := context.Background()
	userID := uniqueUser()

	_, err := svc.Register(ctx, userID, "pg")
	require.NoError(t, err)
	_, err = svc.AddToBasket(ctx, userID, "burger", 250000, 1)
	require.NoError(t, err)
	_, err = svc.AddToBasket(ctx, userID, "fries", 100000, 1)
	require.NoError(t, err)

	res, err := svc.Checkout(ctx, userID, "pg-key")
	require.NoError(t, err)
	require.Equal(t, model.CheckoutCommitted, res.Outcome)
	assert.Equal(t, model.Money(650000), res.Balance)
	assert.Len(t, res.Order.Lines, 2)

	view, err := svc.GetBasketView(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)

	replay, err := svc.Checkout(ctx, userID, "pg-key")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutReplayed, replay.Outcome)
	assert.Equal(t, res.Order.Order.ID, replay.Order.Order.ID)

	pending, err := repo.FetchPendingOutbox(ctx, 1000)
	require.NoError(t, err)
	var found bool
	for _, rec := range pending {
		var ev model.OrderCommittedEvent
		require.NoError(t, json.Unmarshal(rec.Payload, &ev))
		if ev.OrderID == res.Order.Order.ID {
			found = true
			assert.Equal(t, model.Money(350000), ev.Total)
		}
	}
	assert.True(t, found)
}

func TestPostgresCheckout_InsufficientFunds(t *testing.T) {
	svc, _ := newPostgresService(t, func(o *Options) { o.InitialBalance = 200000 })
	ctx := context.Background()
	userID := uniqueUser()

	_, err := svc.Register(ctx, userID, "pg")
	require.NoError(t, err)
	_, err = svc.AddToBasket(ctx, userID, "steak", 500000, 1)
	require.NoError(t, err)

	res, err := svc.Checkout(ctx, userID, "pg-key")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutInsufficientFunds, res.Outcome)

	view, err := svc.GetBasketView(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, view.Lines, 1)

	orders, err := svc.ListOrders(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

// Два экземпляра сервиса не делят блокировку в памяти, как два процесса; сериализует их БД.
func TestPostgresCheckout_TwoInstances(t *testing.T) {
	first, repo := newPostgresService(t)
	second := newTestService(repo)
	ctx := context.Background()
	userID := uniqueUser()

	_, err := first.Register(ctx, userID, "pg")
	require.NoError(t, err)
	_, err = first.AddToBasket(ctx, userID, "burger", 250000, 1)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		results [2]model.CheckoutResult
		errs    [2]error
	)
	for i, svc := range []*Service{first, second} {
		wg.Add(1)
		go func(i int, svc *Service) {
			defer wg.Done()
			results[i], errs[i] = svc.Checkout(ctx, userID, "instance-"+string(rune('a'+i)))
		}(i, svc)
	}
	wg.Wait()

	committed := 0
	for i := range results {
		if errs[i] != nil {
			assert.True(t, errors.Is(errs[i], model.ErrBasketChanged), "unexpected error: %v", errs[i])
			continue
		}
		if results[i].Outcome == model.CheckoutCommitted {
			committed++
		} else {
			assert.Equal(t, model.CheckoutEmptyBasket, results[i].Outcome)
		}
	}
	assert.Equal(t, 1, committed)

	balance, err := first.GetWalletBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().InitialBalance-250000, balance)

	orders, err := first.ListOrders(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}
