package bankapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	accountCachePrefix = "bankapi:account:"
	cacheStripes       = 64
)

// AccountCache holds account views keyed by account number. Misses and write
// failures are never fatal to the caller.
type AccountCache interface {
	Get(ctx context.Context, number int64) (*Account, bool)
	// Set overwrites the cached view.
	Set(ctx context.Context, acct *Account)
	// Fill stores acct only if nothing is cached for its number yet.
	Fill(ctx context.Context, acct *Account)
	Delete(ctx context.Context, numbers ...int64)
}

// NewRedisClient connects to addr and pings it before returning.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// RedisAccountCache stores accounts as JSON with a fixed TTL.
type RedisAccountCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zerolog.Logger
}

var (
	_ AccountCache = (*RedisAccountCache)(nil)
)

func NewRedisAccountCache(client *redis.Client, ttl time.Duration, log *zerolog.Logger) *RedisAccountCache {
	return &RedisAccountCache{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func accountCacheKey(number int64) string {
	return accountCachePrefix + strconv.FormatInt(number, 10)
}

func (c *RedisAccountCache) Get(ctx context.Context, number int64) (*Account, bool) {
	data, err := c.client.Get(ctx, accountCacheKey(number)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Int64("number", number).Msg("account cache read fail")
		}
		return nil, false
	}
	var acct Account
	if err = json.Unmarshal(data, &acct); err != nil {
		return nil, false
	}
	return &acct, true
}

func (c *RedisAccountCache) Set(ctx context.Context, acct *Account) {
	data, err := json.Marshal(acct)
	if err != nil {
		c.log.Err(err).Int64("number", acct.Number).Msg("account cache marshal fail")
		return
	}
	if err = c.client.Set(ctx, accountCacheKey(acct.Number), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Int64("number", acct.Number).Msg("account cache write fail")
	}
}

func (c *RedisAccountCache) Fill(ctx context.Context, acct *Account) {
	data, err := json.Marshal(acct)
	if err != nil {
		c.log.Err(err).Int64("number", acct.Number).Msg("account cache marshal fail")
		return
	}
	if err = c.client.SetNX(ctx, accountCacheKey(acct.Number), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Int64("number", acct.Number).Msg("account cache fill fail")
	}
}

func (c *RedisAccountCache) Delete(ctx context.Context, numbers ...int64) {
	if len(numbers) == 0 {
		return
	}
	keys := make([]string, 0, len(numbers))
	for _, n := range numbers {
		keys = append(keys, accountCacheKey(n))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("account cache delete fail")
	}
}

// cacheMiddleware serves GetAccount from an AccountCache. Reads only fill
// empty keys. Successful mutations overwrite the keys they touched with the
// committed views, and mutations on the same stripe are serialized so their
// cache writes land in commit order.
type cacheMiddleware struct {
	next    Service
	cache   AccountCache
	stripes [cacheStripes]sync.Mutex
}

var (
	_ Service = (*cacheMiddleware)(nil)
)

func NewCacheMiddleware(cache AccountCache) Middleware {
	return func(next Service) Service {
		return &cacheMiddleware{
			next:  next,
			cache: cache,
		}
	}
}

// lock holds the stripes of numbers in ascending order and returns the unlock.
func (c *cacheMiddleware) lock(numbers ...int64) func() {
	idx := make([]int, 0, len(numbers))
	for _, n := range numbers {
		i := int(uint64(n) % cacheStripes)
		dup := false
		for _, j := range idx {
			if j == i {
				dup = true
				break
			}
		}
		if !dup {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		c.stripes[i].Lock()
	}
	return func() {
		for k := len(idx) - 1; k >= 0; k-- {
			c.stripes[idx[k]].Unlock()
		}
	}
}

// store writes the committed views for numbers and drops any number without one.
func (c *cacheMiddleware) store(ctx context.Context, numbers []int64, views ...*Account) {
	var stale []int64
	for _, n := range numbers {
		found := false
		for _, v := range views {
			if v != nil && v.Number == n {
				c.cache.Set(ctx, v)
				found = true
				break
			}
		}
		if !found {
			stale = append(stale, n)
		}
	}
	c.cache.Delete(ctx, stale...)
}

func (c *cacheMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	unlock := c.lock(req.Number)
	defer unlock()
	acct, err := c.next.CreateAccount(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, acct)
	return acct, nil
}

func (c *cacheMiddleware) GetAccount(ctx context.Context, number int64) (*Account, error) {
	if acct, ok := c.cache.Get(ctx, number); ok {
		return acct, nil
	}
	acct, err := c.next.GetAccount(ctx, number)
	if err != nil {
		return nil, err
	}
	c.cache.Fill(ctx, acct)
	return acct, nil
}

func (c *cacheMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return c.next.ListAccounts(ctx)
}

func (c *cacheMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	unlock := c.lock(req.Number)
	defer unlock()
	acct, err := c.next.UpdateAccount(ctx, req)
	if err != nil {
		c.cache.Delete(ctx, req.Number)
		return nil, err
	}
	c.store(ctx, []int64{req.Number}, acct)
	return acct, nil
}

func (c *cacheMiddleware) Deposit(ctx context.Context, req DepositReq) (*Transaction, error) {
	unlock := c.lock(req.ReceiverNumber)
	defer unlock()
	txn, err := c.next.Deposit(ctx, req)
	if err != nil {
		c.cache.Delete(ctx, req.ReceiverNumber)
		return nil, err
	}
	c.store(ctx, []int64{req.ReceiverNumber}, txn.ReceiverAccount)
	return txn, nil
}

func (c *cacheMiddleware) Withdraw(ctx context.Context, req WithdrawReq) (*Transaction, error) {
	unlock := c.lock(req.SourceNumber)
	defer unlock()
	txn, err := c.next.Withdraw(ctx, req)
	if err != nil {
		c.cache.Delete(ctx, req.SourceNumber)
		return nil, err
	}
	c.store(ctx, []int64{req.SourceNumber}, txn.SourceAccount)
	return txn, nil
}

func (c *cacheMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	unlock := c.lock(req.SourceNumber, req.ReceiverNumber)
	defer unlock()
	txn, err := c.next.Transfer(ctx, req)
	if err != nil {
		c.cache.Delete(ctx, req.SourceNumber, req.ReceiverNumber)
		return nil, err
	}
	c.store(ctx, []int64{req.SourceNumber, req.ReceiverNumber}, txn.SourceAccount, txn.ReceiverAccount)
	return txn, nil
}

func (c *cacheMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	return c.next.Statement(ctx, w, req)
}
