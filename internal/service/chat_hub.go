package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"linkup_backend/internal/config"
	"linkup_backend/internal/model"
	"linkup_backend/internal/util"
	"linkup_backend/pkg/logger"
	"linkup_backend/pkg/monitoring"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 16 * 1024
	sendBufferSize  = 256
	shardCount      = 32
	onlineTTL       = 2 * time.Minute // 在线状态过期时间
	realtimeChannel = "linkup:realtime"
)

// 客户端事件
const (
	EventJoinChat    = "joinChat"
	EventLeaveChat   = "leaveChat"
	EventSendMessage = "sendMessage"
)

// 服务端事件
const (
	EventMessageReceived     = "messageReceived"
	EventMessageUpdated      = "messageUpdated"
	EventMessageDeleted      = "messageDeleted"
	EventMessagesRead        = "messagesRead"
	EventConversationDeleted = "conversationDeleted"
	EventRequestReceived     = "requestReceived"
	EventConnectionAccepted  = "connectionAccepted"
	EventConnectionRemoved   = "connectionRemoved"
	EventUserStatus          = "userStatus"
	EventJoinedChat          = "joinedChat"
	EventError               = "error"
)

var (
	// 内存复用 (sync.Pool)
	messagePool = sync.Pool{
		New: func() interface{} {
			return &inboundMessage{}
		},
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage 下行事件信封
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// inboundMessage 上行事件信封，data 延迟解析
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinChatPayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
	SenderID       uint   `json:"senderId"`
	Content        string `json:"content" validate:"required"`
}

// ErrorPayload 回给发送方的错误事件
type ErrorPayload struct {
	Event     string    `json:"event,omitempty"`
	Kind      util.Code `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

// ChatEventHandler 处理需要落库的上行事件
type ChatEventHandler interface {
	SendMessage(ctx context.Context, senderID uint, conversationID, content string) (*model.Message, error)
	IsParticipant(ctx context.Context, conversationID string, userID uint) (bool, error)
}

// RelationLookup 在线状态通知的目标用户
type RelationLookup interface {
	ConnectionIDs(ctx context.Context, userID uint) ([]uint, error)
}

type Client struct {
	Hub     *ChatHub
	Conn    *websocket.Conn
	Send    chan []byte
	UserID  uint
	Limiter *rate.Limiter // 限流器

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

// trySend 非阻塞投递，队列满或已关闭时丢弃
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (c *Client) sendEvent(eventType string, data interface{}) {
	payload, err := json.Marshal(WSMessage{Type: eventType, Data: data})
	if err != nil {
		logger.Log.Error("WebSocket marshal error", zap.Error(err), zap.String("type", eventType))
		return
	}
	if c.trySend(payload) {
		monitoring.WSEventsTotal.WithLabelValues(eventType, "out").Inc()
	} else {
		monitoring.WSEventsTotal.WithLabelValues(eventType, "dropped").Inc()
	}
}

func (c *Client) sendError(event string, err error) {
	code := util.CodeOf(err)
	c.sendEvent(EventError, ErrorPayload{
		Event:     event,
		Kind:      code,
		Message:   util.PublicMessage(err),
		Retryable: util.Retryable(code),
	})
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.leave(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("WebSocket unexpected close", zap.Error(err), zap.Uint("userId", c.UserID))
			}
			break
		}

		if !c.Limiter.Allow() {
			c.sendError("", util.NewError(util.CodeUnavailable, "rate limit exceeded"))
			continue
		}

		// 对象池解析消息
		wsMsg := messagePool.Get().(*inboundMessage)
		wsMsg.Type, wsMsg.Data = "", nil
		if err := json.Unmarshal(message, wsMsg); err != nil {
			messagePool.Put(wsMsg)
			c.sendError("", util.NewError(util.CodeInvalidArgument, "malformed event"))
			continue
		}

		monitoring.WSEventsTotal.WithLabelValues(wsMsg.Type, "in").Inc() // 记录上行消息
		c.Hub.dispatch(c, wsMsg.Type, wsMsg.Data)
		messagePool.Put(wsMsg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// 每个事件单独一帧，客户端按帧解析 JSON
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shard 用户 -> 连接集合，同一用户可以有多个连接
type shard struct {
	clients map[uint]map[*Client]struct{}
	mu      sync.RWMutex
}

// roomShard 会话 ID -> 已加入的连接
type roomShard struct {
	rooms map[string]map[*Client]struct{}
	mu    sync.RWMutex
}

type PubSubMessage struct {
	TargetUsers []uint          `json:"targetUsers,omitempty"`
	Room        string          `json:"room,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type ChatHub struct {
	shards     [shardCount]*shard
	rooms      [shardCount]*roomShard
	register   chan *Client
	unregister chan *Client
	Redis      *redis.Client
	handler    ChatEventHandler
	relations  RelationLookup
	validate   *validator.Validate
	cfg        config.ChatConfig

	ctx      context.Context
	cancel   context.CancelFunc
	ready    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewChatHub rdb 为 nil 时只做本地投递
func NewChatHub(rdb *redis.Client, relations RelationLookup, cfg config.ChatConfig) *ChatHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &ChatHub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		Redis:      rdb,
		relations:  relations,
		validate:   validator.New(),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	if h.cfg.PublishTimeout <= 0 {
		h.cfg.PublishTimeout = 5 * time.Second
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			clients: make(map[uint]map[*Client]struct{}),
		}
		h.rooms[i] = &roomShard{
			rooms: make(map[string]map[*Client]struct{}),
		}
	}
	return h
}

// Attach 注入上行事件处理器，ChatService 依赖 hub 发布事件，因此在构造后注入
func (h *ChatHub) Attach(handler ChatEventHandler) {
	h.handler = handler
}

// Ready 在订阅建立后关闭
func (h *ChatHub) Ready() <-chan struct{} {
	return h.ready
}

func (h *ChatHub) getShard(userID uint) *shard {
	return h.shards[userID%shardCount]
}

func (h *ChatHub) getRoomShard(convID string) *roomShard {
	f := fnv.New32a()
	f.Write([]byte(convID))
	return h.rooms[f.Sum32()%shardCount]
}

func (h *ChatHub) Run() {
	if h.Redis != nil {
		pubsub := h.Redis.Subscribe(h.ctx, realtimeChannel)
		if _, err := pubsub.Receive(h.ctx); err != nil {
			logger.Log.Error("PubSub subscribe error", zap.Error(err))
		}
		go func() {
			<-h.ctx.Done()
			pubsub.Close()
		}()
		go func() {
			ch := pubsub.Channel()
			for msg := range ch {
				var psMsg PubSubMessage
				if err := json.Unmarshal([]byte(msg.Payload), &psMsg); err != nil {
					logger.Log.Error("PubSub unmarshal error", zap.Error(err))
					continue
				}
				h.deliverLocal(&psMsg)
			}
		}()
	}
	close(h.ready)

	// 批量处理状态更新
	ticker := time.NewTicker(500 * time.Millisecond)
	// 状态续期定时器 (Heartbeat)
	heartbeatTicker := time.NewTicker(1 * time.Minute)
	defer func() {
		ticker.Stop()
		heartbeatTicker.Stop()
	}()

	type statusUpdate struct {
		userID uint
		status string
	}
	var pendingUpdates []statusUpdate

	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			conns, ok := s.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]struct{})
				s.clients[client.UserID] = conns
			}
			conns[client] = struct{}{}
			first := len(conns) == 1
			s.mu.Unlock()
			monitoring.WSOnlineConnections.Inc()
			if first {
				pendingUpdates = append(pendingUpdates, statusUpdate{client.UserID, "online"})
			}

		case client := <-h.unregister:
			h.leaveAllRooms(client)
			s := h.getShard(client.UserID)
			s.mu.Lock()
			last := false
			if conns, ok := s.clients[client.UserID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					client.close()
					monitoring.WSOnlineConnections.Dec()
				}
				if len(conns) == 0 {
					delete(s.clients, client.UserID)
					last = true
				}
			}
			s.mu.Unlock()
			if last {
				pendingUpdates = append(pendingUpdates, statusUpdate{client.UserID, "offline"})
			}

		case <-heartbeatTicker.C:
			// 为本地在线用户批量续期
			h.refreshOnlineStatus()

		case <-ticker.C:
			if len(pendingUpdates) == 0 {
				continue
			}

			if h.Redis != nil {
				pipe := h.Redis.Pipeline()
				for _, update := range pendingUpdates {
					key := onlineKey(update.userID)
					if update.status == "online" {
						pipe.Set(h.ctx, key, "true", onlineTTL) // 增加 TTL
					} else {
						pipe.Del(h.ctx, key)
					}
				}
				if _, err := pipe.Exec(h.ctx); err != nil {
					logger.Log.Error("Redis pipeline error", zap.Error(err))
				}
			}

			// 发送状态通知
			for _, update := range pendingUpdates {
				h.NotifyStatus(update.userID, update.status)
			}
			pendingUpdates = pendingUpdates[:0]
		}
	}
}

func onlineKey(userID uint) string {
	return fmt.Sprintf("user:online:%d", userID)
}

// refreshOnlineStatus 刷新当前服务器所有在线用户的过期时间
func (h *ChatHub) refreshOnlineStatus() {
	if h.Redis == nil {
		return
	}
	pipe := h.Redis.Pipeline()
	count := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.RLock()
		for userID := range s.clients {
			pipe.Expire(h.ctx, onlineKey(userID), onlineTTL)
			count++
		}
		s.mu.RUnlock()
	}
	if count > 0 {
		pipe.Exec(h.ctx)
		logger.Log.Debug("Refreshed online status", zap.Int("count", count))
	}
}

// NotifyStatus 通知该用户的所有连接对象
func (h *ChatHub) NotifyStatus(userID uint, status string) {
	if h.relations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.PublishTimeout)
	defer cancel()

	ids, err := h.relations.ConnectionIDs(ctx, userID)
	if err != nil {
		logger.Log.Warn("Load connections for status failed", zap.Error(err), zap.Uint("userId", userID))
		return
	}
	if len(ids) == 0 {
		return
	}
	h.PublishToUsers(ctx, ids, EventUserStatus, map[string]interface{}{
		"userId": userID,
		"status": status,
	})
}

func (h *ChatHub) dispatch(c *Client, eventType string, raw json.RawMessage) {
	switch eventType {
	case EventJoinChat:
		var p joinChatPayload
		if err := h.decode(raw, &p); err != nil {
			c.sendError(eventType, err)
			return
		}
		if h.handler == nil {
			c.sendError(eventType, util.NewError(util.CodeUnavailable, "chat is not available"))
			return
		}
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.PublishTimeout)
		ok, err := h.handler.IsParticipant(ctx, p.ConversationID, c.UserID)
		cancel()
		if err != nil {
			c.sendError(eventType, err)
			return
		}
		if !ok {
			c.sendError(eventType, util.ErrNotParticipant)
			return
		}
		h.joinRoom(c, p.ConversationID)
		c.sendEvent(EventJoinedChat, map[string]string{"conversationId": p.ConversationID})

	case EventLeaveChat:
		var p joinChatPayload
		if err := h.decode(raw, &p); err != nil {
			c.sendError(eventType, err)
			return
		}
		h.leaveRoom(c, p.ConversationID)

	case EventSendMessage:
		var p sendMessagePayload
		if err := h.decode(raw, &p); err != nil {
			c.sendError(eventType, err)
			return
		}
		if p.SenderID != 0 && p.SenderID != c.UserID {
			c.sendError(eventType, util.NewError(util.CodePermissionDenied, "senderId does not match the authenticated user"))
			return
		}
		if h.handler == nil {
			c.sendError(eventType, util.NewError(util.CodeUnavailable, "chat is not available"))
			return
		}
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.PublishTimeout)
		_, err := h.handler.SendMessage(ctx, c.UserID, p.ConversationID, p.Content)
		cancel()
		if err != nil {
			logger.Log.Warn("WebSocket sendMessage failed",
				zap.Error(err),
				zap.Uint("userId", c.UserID),
				zap.String("conversationId", p.ConversationID),
			)
			c.sendError(eventType, err)
		}

	default:
		c.sendError(eventType, util.NewError(util.CodeInvalidArgument, "unknown event type"))
	}
}

func (h *ChatHub) decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return util.NewError(util.CodeInvalidArgument, "missing event data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return util.NewError(util.CodeInvalidArgument, "malformed event data")
	}
	if err := h.validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return util.NewError(util.CodeInvalidArgument, "invalid fields: "+strings.Join(fields, ", "))
		}
		return util.NewError(util.CodeInvalidArgument, err.Error())
	}
	return nil
}

func (h *ChatHub) joinRoom(c *Client, convID string) {
	rs := h.getRoomShard(convID)
	rs.mu.Lock()
	members, ok := rs.rooms[convID]
	if !ok {
		members = make(map[*Client]struct{})
		rs.rooms[convID] = members
	}
	members[c] = struct{}{}
	rs.mu.Unlock()

	c.mu.Lock()
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[convID] = struct{}{}
	c.mu.Unlock()
}

func (h *ChatHub) leaveRoom(c *Client, convID string) {
	rs := h.getRoomShard(convID)
	rs.mu.Lock()
	if members, ok := rs.rooms[convID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(rs.rooms, convID)
		}
	}
	rs.mu.Unlock()

	c.mu.Lock()
	delete(c.rooms, convID)
	c.mu.Unlock()
}

func (h *ChatHub) leaveAllRooms(c *Client) {
	for _, convID := range c.joinedRooms() {
		h.leaveRoom(c, convID)
	}
}

// closeRoom 会话被删除后清空房间
func (h *ChatHub) closeRoom(convID string) {
	rs := h.getRoomShard(convID)
	rs.mu.Lock()
	members := rs.rooms[convID]
	delete(rs.rooms, convID)
	rs.mu.Unlock()

	for c := range members {
		c.mu.Lock()
		delete(c.rooms, convID)
		c.mu.Unlock()
	}
}

// leave readPump 退出时调用，Hub 已停止时直接关闭
func (h *ChatHub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.leaveAllRooms(c)
		c.close()
	}
}

// Stop 关闭所有连接并清理在线状态
func (h *ChatHub) Stop() {
	h.stopOnce.Do(func() {
		logger.Log.Info("ChatHub stopping: clearing online status and closing connections...")
		close(h.done)

		var allUserIDs []uint
		closed := 0
		for i := 0; i < shardCount; i++ {
			s := h.shards[i]
			s.mu.Lock()
			for userID, conns := range s.clients {
				allUserIDs = append(allUserIDs, userID)
				for client := range conns {
					client.close()
					closed++
				}
				delete(s.clients, userID)
			}
			s.mu.Unlock()

			rs := h.rooms[i]
			rs.mu.Lock()
			rs.rooms = make(map[string]map[*Client]struct{})
			rs.mu.Unlock()
		}

		if len(allUserIDs) > 0 && h.Redis != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
			pipe := h.Redis.Pipeline()
			for _, userID := range allUserIDs {
				pipe.Del(ctx, onlineKey(userID))
			}
			pipe.Exec(ctx)
			cancel()
		}

		h.cancel()
		monitoring.WSOnlineConnections.Set(0) // 停机时清空指标
		logger.Log.Info("ChatHub stopped", zap.Int("closedConnections", closed))
	})
}

// PublishToUsers 推送给指定用户的所有连接
func (h *ChatHub) PublishToUsers(ctx context.Context, userIDs []uint, eventType string, data interface{}) {
	if len(userIDs) == 0 {
		return
	}
	h.publish(ctx, &PubSubMessage{TargetUsers: userIDs}, eventType, data)
}

// PublishToRoom 推送给加入该会话的所有连接
func (h *ChatHub) PublishToRoom(ctx context.Context, convID string, eventType string, data interface{}) {
	if convID == "" {
		return
	}
	h.publish(ctx, &PubSubMessage{Room: convID}, eventType, data)
}

func (h *ChatHub) publish(ctx context.Context, psMsg *PubSubMessage, eventType string, data interface{}) {
	// 避免二次序列化
	msgBytes, err := json.Marshal(WSMessage{Type: eventType, Data: data})
	if err != nil {
		logger.Log.Error("Realtime marshal error", zap.Error(err), zap.String("type", eventType))
		return
	}
	psMsg.Payload = msgBytes

	if h.Redis != nil {
		payload, _ := json.Marshal(psMsg)
		// 推送不受请求取消影响，但有上限
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.PublishTimeout)
		err := h.Redis.Publish(pctx, realtimeChannel, payload).Err()
		cancel()
		if err == nil {
			return
		}
		logger.Log.Warn("Redis publish failed, delivering locally", zap.Error(err), zap.String("type", eventType))
	}
	h.deliverLocal(psMsg)
}

func (h *ChatHub) deliverLocal(psMsg *PubSubMessage) {
	var eventType string
	var env struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(psMsg.Payload, &env) == nil {
		eventType = env.Type
	}

	sent, dropped := 0, 0
	count := func(ok bool) {
		if ok {
			sent++
		} else {
			dropped++
		}
	}

	if psMsg.Room != "" {
		rs := h.getRoomShard(psMsg.Room)
		rs.mu.RLock()
		for client := range rs.rooms[psMsg.Room] {
			count(client.trySend(psMsg.Payload))
		}
		rs.mu.RUnlock()

		if eventType == EventConversationDeleted {
			h.closeRoom(psMsg.Room)
		}
	}

	for _, id := range psMsg.TargetUsers {
		s := h.getShard(id)
		s.mu.RLock()
		for client := range s.clients[id] {
			count(client.trySend(psMsg.Payload))
		}
		s.mu.RUnlock()
	}

	if sent > 0 {
		monitoring.WSEventsTotal.WithLabelValues(eventType, "out").Add(float64(sent))
	}
	if dropped > 0 {
		monitoring.WSEventsTotal.WithLabelValues(eventType, "dropped").Add(float64(dropped))
	}
}

func (h *ChatHub) IsUserOnline(ctx context.Context, userID uint) bool {
	// 查本地分片
	s := h.getShard(userID)
	s.mu.RLock()
	_, ok := s.clients[userID]
	s.mu.RUnlock()
	if ok {
		return true
	}

	if h.Redis == nil {
		return false
	}
	// 查 Redis (多实例部署)
	val, err := h.Redis.Get(ctx, onlineKey(userID)).Result()
	return err == nil && val == "true"
}

func ServeWs(hub *ChatHub, w http.ResponseWriter, r *http.Request, userID uint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.Uint("userId", userID))
		return
	}

	ratePerSecond := hub.cfg.WSRatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 30
	}
	burst := hub.cfg.WSBurst
	if burst <= 0 {
		burst = 50
	}
	client := &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		UserID:  userID,
		Limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		rooms:   make(map[string]struct{}),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
