package mtproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// maxDialogPages ограничивает поиск канала среди диалогов пользователя.
const maxDialogPages = 20

// Client реализует domain.ChatClient поверх gotd.
// Соединение живёт внутри client.Run, пока не вызван Disconnect.
type Client struct {
	userID int64
	client *telegram.Client
	log    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	ready   chan struct{}
	done    chan struct{}
	runErr  error
	hashes  map[int64]int64
	started bool
}

var _ domain.ChatClient = (*Client)(nil)

func newClient(userID int64, client *telegram.Client, logger zerolog.Logger) *Client {
	return &Client{
		userID: userID,
		client: client,
		log:    logger.With().Int64("user_id", userID).Logger(),
		hashes: make(map[int64]int64),
	}
}

// Connect запускает клиента и ждёт готовности соединения.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	c.cancel, c.ready, c.done, c.started = cancel, ready, done, true
	c.runErr = nil
	c.mu.Unlock()

	start := time.Now()
	go func() {
		defer close(done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("mtproto: клиент остановился с ошибкой")
		}
		c.mu.Lock()
		c.runErr = err
		c.started = false
		c.mu.Unlock()
	}()

	select {
	case <-ready:
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, nil)
		return nil
	case <-done:
		c.mu.Lock()
		err := c.runErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("client stopped before ready")
		}
		err = mapError("connect", err)
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, err)
		return err
	case <-ctx.Done():
		cancel()
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, ctx.Err())
		return fmt.Errorf("connect: %w", ctx.Err())
	}
}

// Disconnect останавливает клиента и ждёт завершения Run не дольше ctx.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", ctx.Err())
	}
}

// IsConnected сообщает, работает ли соединение.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	ready, done := c.ready, c.done
	c.mu.Unlock()
	if ready == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	select {
	case <-ready:
		return true
	default:
		return false
	}
}

// IsAuthorized проверяет, авторизована ли сохранённая сессия.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	start := time.Now()
	status, err := c.client.Auth().Status(ctx)
	metrics.ObserveNetworkRequest("mtproto", "auth_status", "telegram", start, err)
	if err != nil {
		return false, mapError("auth status", err)
	}
	return status.Authorized, nil
}

// Self возвращает аккаунт, от имени которого работает клиент.
func (c *Client) Self(ctx context.Context) (domain.Self, error) {
	start := time.Now()
	user, err := c.client.Self(ctx)
	metrics.ObserveNetworkRequest("mtproto", "get_self", "telegram", start, err)
	if err != nil {
		return domain.Self{}, mapError("get self", err)
	}
	return selfFromUser(user), nil
}

// FullChannel возвращает сведения о супергруппе.
func (c *Client) FullChannel(ctx context.Context, chatID int64) (domain.ChatInfo, error) {
	channel, err := c.inputChannel(ctx, chatID)
	if err != nil {
		return domain.ChatInfo{}, err
	}
	start := time.Now()
	full, err := c.client.API().ChannelsGetFullChannel(ctx, channel)
	metrics.ObserveNetworkRequest("mtproto", "get_full_channel", "telegram", start, err)
	if err != nil {
		return domain.ChatInfo{}, mapError("get full channel", err)
	}
	return chatInfoFromFull(chatID, full), nil
}

// ForumTopics читает одну страницу топиков форума.
func (c *Client) ForumTopics(ctx context.Context, chatID int64, cursor domain.TopicCursor, limit int) (domain.TopicPage, error) {
	channel, err := c.inputChannel(ctx, chatID)
	if err != nil {
		return domain.TopicPage{}, err
	}
	start := time.Now()
	resp, err := c.client.API().ChannelsGetForumTopics(ctx, &tg.ChannelsGetForumTopicsRequest{
		Channel:     channel,
		OffsetDate:  cursor.OffsetDate,
		OffsetID:    cursor.OffsetID,
		OffsetTopic: cursor.OffsetTopic,
		Limit:       limit,
	})
	metrics.ObserveNetworkRequest("mtproto", "get_forum_topics", "telegram", start, err)
	if err != nil {
		return domain.TopicPage{}, mapError("get forum topics", err)
	}
	return topicPage(resp, limit), nil
}

// History читает страницу истории чата от OffsetID вглубь.
func (c *Client) History(ctx context.Context, chatID int64, cursor domain.HistoryCursor, limit int) (domain.HistoryPage, error) {
	channel, err := c.inputChannel(ctx, chatID)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	ch, ok := channel.(*tg.InputChannel)
	if !ok {
		return domain.HistoryPage{}, fmt.Errorf("get history: %w", domain.ErrChannelPrivate)
	}
	start := time.Now()
	resp, err := c.client.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
		OffsetID: cursor.OffsetID,
		Limit:    limit,
	})
	metrics.ObserveNetworkRequest("mtproto", "get_history", "telegram", start, err)
	if err != nil {
		return domain.HistoryPage{}, mapError("get history", err)
	}
	return historyPage(resp, limit), nil
}

// inputChannel находит access hash канала: сначала в кэше, затем среди диалогов пользователя.
func (c *Client) inputChannel(ctx context.Context, chatID int64) (tg.InputChannelClass, error) {
	channelID := domain.ChannelIDFromChatID(chatID)

	c.mu.Lock()
	hash, ok := c.hashes[channelID]
	c.mu.Unlock()
	if ok {
		return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
	}

	start := time.Now()
	iter := query.GetDialogs(c.client.API()).BatchSize(100).Iter()
	seen := 0
	for iter.Next(ctx) {
		seen++
		if seen > maxDialogPages*100 {
			break
		}
		peer, ok := iter.Value().Peer.(*tg.InputPeerChannel)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.hashes[peer.ChannelID] = peer.AccessHash
		c.mu.Unlock()
		if peer.ChannelID == channelID {
			metrics.ObserveNetworkRequest("mtproto", "resolve_channel", "telegram", start, nil)
			return &tg.InputChannel{ChannelID: channelID, AccessHash: peer.AccessHash}, nil
		}
	}
	err := iter.Err()
	metrics.ObserveNetworkRequest("mtproto", "resolve_channel", "telegram", start, err)
	if err != nil {
		return nil, mapError("resolve channel", err)
	}
	return nil, fmt.Errorf("resolve channel %d: %w", chatID, domain.ErrChannelPrivate)
}
