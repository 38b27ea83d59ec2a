package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/registry"
)

// StreamManager 维护一条到币安合约行情的 WebSocket 连接,
// 把所有订阅交易对的最新成交价写进注册表的价格缓存。
// 订阅集合变化或连接断开时自动重建连接。
type StreamManager struct {
	wsBaseURL string
	reg       *registry.Registry

	mu      sync.Mutex
	symbols []string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStreamManager 创建一个数据流管理器, wsBaseURL 形如 wss://fstream.binance.com
func NewStreamManager(wsBaseURL string, reg *registry.Registry) *StreamManager {
	return &StreamManager{
		wsBaseURL: wsBaseURL,
		reg:       reg,
		stopCh:    make(chan struct{}),
	}
}

// UpdateSymbols 替换订阅集合。集合有变化时, 正在运行的连接会在下一次读取时重建。
func (m *StreamManager) UpdateSymbols(symbols map[string]struct{}) {
	list := make([]string, 0, len(symbols))
	for s := range symbols {
		list = append(list, s)
	}
	sort.Strings(list)

	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Join(list, ",") == strings.Join(m.symbols, ",") {
		return
	}
	m.symbols = list
}

func (m *StreamManager) currentSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.symbols...)
}

// streamURL 拼接多路合并流地址, e.g., /stream?streams=btcusdt@aggTrade/ethusdt@aggTrade
func (m *StreamManager) streamURL(symbols []string) string {
	parts := make([]string, 0, len(symbols))
	for _, s := range symbols {
		parts = append(parts, strings.ToLower(strings.ReplaceAll(s, "/", ""))+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", m.wsBaseURL, strings.Join(parts, "/"))
}

// Stop 停止数据流
func (m *StreamManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run 是数据流守护循环, 负责连接、读消息与断线重连。阻塞直到 Stop。
func (m *StreamManager) Run() {
	for {
		select {
		case <-m.stopCh:
			logger.S().Info("WebSocket 数据流已停止")
			return
		default:
		}

		symbols := m.currentSymbols()
		if len(symbols) == 0 {
			time.Sleep(time.Second)
			continue
		}

		conn, _, err := websocket.DefaultDialer.Dial(m.streamURL(symbols), nil)
		if err != nil {
			logger.S().Warnf("WebSocket 连接失败: %v, 5秒后重试", err)
			time.Sleep(5 * time.Second)
			continue
		}
		logger.S().Infof("WebSocket 已连接, 订阅 %d 个交易对", len(symbols))

		if err := m.readLoop(conn, symbols); err != nil {
			logger.S().Warnf("WebSocket 断开: %v, 准备重连", err)
		}
		conn.Close()
		m.reg.ClearPrices()
		time.Sleep(time.Second)
	}
}

// aggTradeEvent 是合并流消息里的成交事件
type aggTradeEvent struct {
	Data struct {
		Symbol string      `json:"s"`
		Price  json.Number `json:"p"`
	} `json:"data"`
}

// readLoop 在单条连接上读消息并维持心跳, 订阅集合变化或出错时返回
func (m *StreamManager) readLoop(conn *websocket.Conn, subscribed []string) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-m.stopCh:
				return
			}
		}
	}()

	want := strings.Join(subscribed, ",")
	for {
		select {
		case <-m.stopCh:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
		}

		// 订阅集合变了就断开重建
		if strings.Join(m.currentSymbols(), ",") != want {
			return fmt.Errorf("订阅集合已变化")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var ev aggTradeEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			logger.S().Debugf("解析行情消息失败: %v", err)
			continue
		}
		price, err := ev.Data.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		m.reg.SetPrice(wireToSymbol(ev.Data.Symbol), price)
	}
}

// wireToSymbol 把流里的 BTCUSDT 还原为 BTC/USDT
func wireToSymbol(wire string) string {
	if strings.HasSuffix(wire, "USDT") {
		return wire[:len(wire)-4] + "/USDT"
	}
	return wire
}
