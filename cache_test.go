package bankapi_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arhyth/bankapi"
	"github.com/arhyth/bankapi/mocks"
	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type mapCache struct {
	mu    sync.Mutex
	accts map[int64]bankapi.Account
}

func newMapCache() *mapCache {
	return &mapCache{accts: map[int64]bankapi.Account{}}
}

func (m *mapCache) Get(_ context.Context, number int64) (*bankapi.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accts[number]
	if !ok {
		return nil, false
	}
	return &acct, true
}

func (m *mapCache) Set(_ context.Context, acct *bankapi.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accts[acct.Number] = *acct
}

func (m *mapCache) Fill(_ context.Context, acct *bankapi.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accts[acct.Number]; !ok {
		m.accts[acct.Number] = *acct
	}
}

func (m *mapCache) Delete(_ context.Context, numbers ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range numbers {
		delete(m.accts, n)
	}
}

func TestCacheMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("serves repeated reads from the cache", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		mw := bankapi.NewCacheMiddleware(newMapCache())(svc)

		svc.EXPECT().
			GetAccount(gomock.Any(), int64(5)).
			Return(&bankapi.Account{Number: 5, Balance: dec("10")}, nil).
			Times(1)

		for i := 0; i < 3; i++ {
			acct, err := mw.GetAccount(ctx, 5)
			require.NoError(tt, err)
			as.Equal(int64(5), acct.Number)
		}
	})

	t.Run("does not cache misses", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		mw := bankapi.NewCacheMiddleware(newMapCache())(svc)

		svc.EXPECT().
			GetAccount(gomock.Any(), int64(5)).
			Return(nil, bankapi.ErrNotFound{Resource: "account", Key: "5"}).
			Times(2)

		for i := 0; i < 2; i++ {
			_, err := mw.GetAccount(ctx, 5)
			assert.ErrorAs(tt, err, &bankapi.ErrNotFound{})
		}
	})

	t.Run("a read racing a deposit does not cache the older balance", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		mw := bankapi.NewCacheMiddleware(newMapCache())(svc)

		readDone := make(chan struct{})
		release := make(chan struct{})
		svc.EXPECT().
			GetAccount(gomock.Any(), int64(1)).
			DoAndReturn(func(context.Context, int64) (*bankapi.Account, error) {
				close(readDone)
				<-release
				return &bankapi.Account{Number: 1, Balance: dec("1000")}, nil
			})
		svc.EXPECT().
			Deposit(gomock.Any(), gomock.Any()).
			Return(&bankapi.Transaction{
				Type:            bankapi.TransactionDeposit,
				Amount:          dec("500"),
				ReceiverAccount: &bankapi.Account{Number: 1, Balance: dec("1500")},
			}, nil)

		stale := make(chan *bankapi.Account)
		go func() {
			acct, err := mw.GetAccount(ctx, 1)
			assert.NoError(tt, err)
			stale <- acct
		}()
		<-readDone

		_, err := mw.Deposit(ctx, bankapi.DepositReq{ReceiverNumber: 1, Amount: dec("500")})
		require.NoError(tt, err)
		close(release)
		first := <-stale
		assertDecimal(tt, "1000", first.Balance)

		acct, err := mw.GetAccount(ctx, 1)
		require.NoError(tt, err)
		assertDecimal(tt, "1500", acct.Balance)
	})

	t.Run("successful mutations write the committed views through", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		cache := newMapCache()
		cache.Set(ctx, &bankapi.Account{Number: 1, Balance: dec("500")})
		cache.Set(ctx, &bankapi.Account{Number: 2, Balance: dec("1000")})
		mw := bankapi.NewCacheMiddleware(cache)(svc)

		svc.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(&bankapi.Transaction{
				Type:            bankapi.TransactionTransfer,
				SourceAccount:   &bankapi.Account{Number: 1, Balance: dec("300")},
				ReceiverAccount: &bankapi.Account{Number: 2, Balance: dec("1200")},
			}, nil)
		_, err := mw.Transfer(ctx, bankapi.TransferReq{SourceNumber: 1, ReceiverNumber: 2, Amount: dec("200")})
		require.NoError(tt, err)

		a, ok := cache.Get(ctx, 1)
		require.True(tt, ok)
		assertDecimal(tt, "300", a.Balance)
		b, ok := cache.Get(ctx, 2)
		require.True(tt, ok)
		assertDecimal(tt, "1200", b.Balance)
	})

	t.Run("concurrent deposits leave the latest balance cached", func(tt *testing.T) {
		svc, _ := newMemoryService(tt, account("Alice", 1, "0", "0"))
		mw := bankapi.NewCacheMiddleware(newMapCache())(svc)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := mw.Deposit(ctx, bankapi.DepositReq{ReceiverNumber: 1, Amount: dec("1")})
				assert.NoError(tt, err)
			}()
			go func() {
				defer wg.Done()
				_, err := mw.GetAccount(ctx, 1)
				assert.NoError(tt, err)
			}()
		}
		wg.Wait()

		acct, err := mw.GetAccount(ctx, 1)
		require.NoError(tt, err)
		assertDecimal(tt, "20", acct.Balance)
	})

	t.Run("transfers without account views invalidate both accounts", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		cache := newMapCache()
		cache.Set(ctx, &bankapi.Account{Number: 1})
		cache.Set(ctx, &bankapi.Account{Number: 2})
		cache.Set(ctx, &bankapi.Account{Number: 3})
		mw := bankapi.NewCacheMiddleware(cache)(svc)

		svc.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(&bankapi.Transaction{}, nil)
		_, err := mw.Transfer(ctx, bankapi.TransferReq{SourceNumber: 1, ReceiverNumber: 2, Amount: dec("1")})
		require.NoError(tt, err)

		_, ok := cache.Get(ctx, 1)
		as.False(ok)
		_, ok = cache.Get(ctx, 2)
		as.False(ok)
		_, ok = cache.Get(ctx, 3)
		as.True(ok)
	})

	t.Run("failed mutations still invalidate", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		cache := newMapCache()
		cache.Set(ctx, &bankapi.Account{Number: 1})
		mw := bankapi.NewCacheMiddleware(cache)(svc)

		svc.EXPECT().
			Withdraw(gomock.Any(), gomock.Any()).
			Return(nil, bankapi.ErrInsufficientBalance{})
		_, err := mw.Withdraw(ctx, bankapi.WithdrawReq{SourceNumber: 1, Amount: dec("1")})
		assert.Error(tt, err)

		_, ok := cache.Get(ctx, 1)
		assert.False(tt, ok)
	})
}

func TestRedisAccountCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := bankapi.NewRedisClient(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	log := zerolog.Nop()
	cache := bankapi.NewRedisAccountCache(client, time.Minute, &log)

	t.Run("round trips an account", func(tt *testing.T) {
		as := assert.New(tt)
		acct := &bankapi.Account{
			ID:           snowflake.ParseInt64(7241301734201495552),
			Name:         "Alice",
			Number:       987001,
			Balance:      dec("-12.5"),
			SpecialLimit: dec("100"),
		}
		cache.Set(ctx, acct)
		t.Cleanup(func() { cache.Delete(ctx, acct.Number) })

		got, ok := cache.Get(ctx, acct.Number)
		require.True(tt, ok)
		as.Equal(acct.ID, got.ID)
		as.Equal(acct.Name, got.Name)
		assertDecimal(tt, "-12.5", got.Balance)
		assertDecimal(tt, "100", got.SpecialLimit)
	})

	t.Run("fill never overwrites a cached account", func(tt *testing.T) {
		cache.Set(ctx, &bankapi.Account{Number: 987003, Balance: dec("1500")})
		t.Cleanup(func() { cache.Delete(ctx, 987003) })
		cache.Fill(ctx, &bankapi.Account{Number: 987003, Balance: dec("1000")})

		got, ok := cache.Get(ctx, 987003)
		require.True(tt, ok)
		assertDecimal(tt, "1500", got.Balance)
	})

	t.Run("misses after delete", func(tt *testing.T) {
		cache.Set(ctx, &bankapi.Account{Number: 987002})
		cache.Delete(ctx, 987002)
		_, ok := cache.Get(ctx, 987002)
		assert.False(tt, ok)
	})
}
