package persistence

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"multi-strategy-bot-go/internal/models"
)

var botKeyPrefix = []byte("bot:")

// badgerBotRepository 是 BotRepository 的 BadgerDB 实现
type badgerBotRepository struct {
	db *badger.DB
}

// NewBadgerBotRepository 打开 (或创建) 一个 BadgerDB 机器人仓库。
// Badger 自己的日志会干扰应用日志, 这里直接关掉; 错误仍会从操作中返回。
func NewBadgerBotRepository(dbPath string) (BotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerBotRepository{db: db}, nil
}

func botKey(id string) []byte {
	return append(append([]byte{}, botKeyPrefix...), id...)
}

// SaveBot 把整条机器人记录序列化为 JSON 后原子写入
func (r *badgerBotRepository) SaveBot(bot *models.Bot) error {
	data, err := json.Marshal(bot)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(bot.ID), data)
	})
}

// LoadBot 按 ID 读取机器人记录, 键不存在时返回 (nil, nil)
func (r *badgerBotRepository) LoadBot(id string) (*models.Bot, error) {
	var bot models.Bot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("数据库中的机器人记录为空")
			}
			return json.Unmarshal(val, &bot)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// ListBots 遍历前缀返回所有机器人记录, 按创建时间排序
func (r *badgerBotRepository) ListBots() ([]*models.Bot, error) {
	var bots []*models.Bot

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = botKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(botKeyPrefix); it.ValidForPrefix(botKeyPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var bot models.Bot
				if err := json.Unmarshal(val, &bot); err != nil {
					return err
				}
				bots = append(bots, &bot)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(bots, func(i, j int) bool {
		return bots[i].CreatedAt.Before(bots[j].CreatedAt)
	})
	return bots, nil
}

// DeleteBot 删除一条机器人记录, 键不存在视为成功
func (r *badgerBotRepository) DeleteBot(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(botKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close 关闭数据库连接
func (r *badgerBotRepository) Close() error {
	return r.db.Close()
}
