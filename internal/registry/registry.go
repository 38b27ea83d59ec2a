// Package registry 持有引擎的运行时共享状态:
// 每个机器人的互斥锁与 scratch 缓存、WebSocket 价格缓存、按用户复用的交易所连接。
// 这些都只活在内存里, 进程重启后由数据库记录重建。
package registry

import (
	"fmt"
	"sync"
	"time"

	"multi-strategy-bot-go/internal/exchange"
	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/models"
)

// Scratch 是单个机器人的每跳运行时缓存, 不落盘
type Scratch struct {
	MarketPrice   float64
	Ladder        []models.LadderEntry
	Gaps          []models.GapZone
	LastGapUpdate time.Time
	LastDBWrite   time.Time
}

type pricePoint struct {
	price float64
	ts    time.Time
}

// ExchangeFactory 按 (来源, 市场类型) 创建一个交易所适配器
type ExchangeFactory func(source, marketType string) (exchange.Exchange, error)

// Registry 是并发安全的运行时注册表
type Registry struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	scratches map[string]*Scratch

	priceMu sync.RWMutex
	prices  map[string]pricePoint

	exMu      sync.Mutex
	exchanges map[string]exchange.Exchange
	factory   ExchangeFactory
}

// New 创建一个空注册表
func New(factory ExchangeFactory) *Registry {
	return &Registry{
		locks:     make(map[string]*sync.Mutex),
		scratches: make(map[string]*Scratch),
		prices:    make(map[string]pricePoint),
		exchanges: make(map[string]exchange.Exchange),
		factory:   factory,
	}
}

// BotLock 返回机器人专属的互斥锁, 不存在时创建。
// 同一机器人的行情分析可以并发, 但状态变更必须串行。
func (r *Registry) BotLock(botID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[botID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[botID] = lock
	}
	return lock
}

// BotScratch 返回机器人的运行时缓存, 不存在时创建
func (r *Registry) BotScratch(botID string) *Scratch {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scratches[botID]
	if !ok {
		s = &Scratch{}
		r.scratches[botID] = s
	}
	return s
}

// RemoveBot 清理机器人的锁与缓存 (随机器人删除调用)
func (r *Registry) RemoveBot(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, botID)
	delete(r.scratches, botID)
}

// SetPrice 写入 WebSocket 推送的最新价
func (r *Registry) SetPrice(symbol string, price float64) {
	r.priceMu.Lock()
	r.prices[symbol] = pricePoint{price: price, ts: time.Now()}
	r.priceMu.Unlock()
}

// Price 返回未超过 maxAge 的缓存价, 过期或缺失返回 false。
// 引擎据此决定回退到 REST 拉取。
func (r *Registry) Price(symbol string, maxAge time.Duration) (float64, bool) {
	r.priceMu.RLock()
	p, ok := r.prices[symbol]
	r.priceMu.RUnlock()
	if !ok || time.Since(p.ts) > maxAge {
		return 0, false
	}
	return p.price, true
}

// ClearPrices 清空价格缓存 (WebSocket 重连时调用)
func (r *Registry) ClearPrices() {
	r.priceMu.Lock()
	r.prices = make(map[string]pricePoint)
	r.priceMu.Unlock()
}

func exchangeKey(owner, source, marketType string) string {
	return fmt.Sprintf("%s_%s_%s", owner, source, marketType)
}

// CachedExchange 返回按 (用户, 来源, 市场类型) 复用的交易所连接, 不存在时创建
func (r *Registry) CachedExchange(owner, source, marketType string) (exchange.Exchange, error) {
	key := exchangeKey(owner, source, marketType)

	r.exMu.Lock()
	defer r.exMu.Unlock()
	if ex, ok := r.exchanges[key]; ok {
		return ex, nil
	}

	ex, err := r.factory(source, marketType)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所失败 (%s/%s): %w", source, marketType, err)
	}
	r.exchanges[key] = ex
	return ex, nil
}

// ClearOwnerExchanges 清掉某个用户的全部连接缓存 (API Key 变更后调用)
func (r *Registry) ClearOwnerExchanges(owner string) {
	prefix := owner + "_"
	r.exMu.Lock()
	defer r.exMu.Unlock()
	for key, ex := range r.exchanges {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			if err := ex.Close(); err != nil {
				logger.S().Warnf("关闭交易所连接失败 (%s): %v", key, err)
			}
			delete(r.exchanges, key)
		}
	}
}

// CloseAll 关闭所有交易所连接 (进程退出时调用)
func (r *Registry) CloseAll() {
	r.exMu.Lock()
	defer r.exMu.Unlock()
	for key, ex := range r.exchanges {
		if err := ex.Close(); err != nil {
			logger.S().Warnf("关闭交易所连接失败 (%s): %v", key, err)
		}
		delete(r.exchanges, key)
	}
}
