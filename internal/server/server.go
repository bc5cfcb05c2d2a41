package server

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/npezzotti/go-collab/internal/cache"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/editlock"
	"github.com/npezzotti/go-collab/internal/push"
	"github.com/npezzotti/go-collab/internal/relay"
	"github.com/npezzotti/go-collab/internal/stats"
	"go.uber.org/zap"
)

const (
	MetricActiveClients = "NumActiveClients"
	MetricMessagesSent  = "MessagesSent"
	MetricReadMarks     = "ReadMarks"
	MetricLocksHeld     = "LocksHeld"
	MetricCache         = "Cache"

	DefaultUnreadTTL = 10 * time.Second
	roomTTL          = time.Minute

	sendStripes = 64
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotParticipant = errors.New("not a participant of room")
	ErrNotCreator     = errors.New("only the room creator may do this")
	ErrInvalidRoom    = errors.New("invalid room")
)

// PushQueue accepts notification jobs for asynchronous delivery.
type PushQueue interface {
	Enqueue(job push.Job) error
}

// Publisher forwards local fan-out to other server processes.
type Publisher interface {
	Publish(ctx context.Context, target relay.Target, message []byte)
}

type Options struct {
	UnreadTTL time.Duration
	Push      PushQueue
	Relay     Publisher
}

type ChatServer struct {
	log       *zap.Logger
	db        database.Repository
	cache     *cache.Cache
	locks     *editlock.Locker
	stats     stats.StatsProvider
	push      PushQueue
	relay     Publisher
	unreadTTL time.Duration

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	personal map[string]map[*Client]struct{}

	// sendLocks order persist and broadcast of messages in the same room
	sendLocks [sendStripes]sync.Mutex
	// editLocks order a lock state change and its broadcast per resource
	editLocks [sendStripes]sync.Mutex
}

func NewChatServer(logger *zap.Logger, db database.Repository, c *cache.Cache, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("repository is required")
	}
	if c == nil {
		return nil, errors.New("cache is required")
	}

	unreadTTL := opts.UnreadTTL
	if unreadTTL <= 0 {
		unreadTTL = DefaultUnreadTTL
	}

	cs := &ChatServer{
		log:       logger,
		db:        db,
		cache:     c,
		locks:     editlock.New(),
		stats:     su,
		push:      opts.Push,
		relay:     opts.Relay,
		unreadTTL: unreadTTL,
		clients:   make(map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
		personal:  make(map[string]map[*Client]struct{}),
	}

	su.RegisterMetric(MetricActiveClients)
	su.RegisterMetric(MetricMessagesSent)
	su.RegisterMetric(MetricReadMarks)
	su.RegisterFunc(MetricLocksHeld, func() any { return len(cs.locks.Snapshot()) })
	su.RegisterFunc(MetricCache, func() any { return cs.cache.Stats() })

	return cs, nil
}

func stripe(locks *[sendStripes]sync.Mutex, key []byte) func() {
	h := fnv.New32a()
	h.Write(key)

	mu := &locks[h.Sum32()%sendStripes]
	mu.Lock()
	return mu.Unlock
}

// lockRoom serializes sends to a room and returns the matching unlock.
func (cs *ChatServer) lockRoom(roomId int64) func() {
	var b [8]byte
	for i := range b {
		b[i] = byte(roomId >> (8 * i))
	}
	return stripe(&cs.sendLocks, b[:])
}

// lockResource serializes edit lock changes on resource so viewers see
// them in the order they took effect.
func (cs *ChatServer) lockResource(resource string) func() {
	return stripe(&cs.editLocks, []byte(resource))
}

func (cs *ChatServer) publish(target relay.Target, msg *ServerMessage) {
	if cs.relay == nil {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		cs.log.Error("marshal relay message", zap.Error(err))
		return
	}

	cs.relay.Publish(context.Background(), target, raw)
}

// invalidateShared drops prefix from the cache on this process and every
// process reached through the relay.
func (cs *ChatServer) invalidateShared(prefix string) {
	cs.cache.Invalidate(prefix)
	if cs.relay != nil {
		cs.relay.Publish(context.Background(), relay.Target{Kind: relay.KindCache, Key: prefix}, nil)
	}
}

// DeliverRemote fans a message relayed from another process out to the
// local connections it targets.
func (cs *ChatServer) DeliverRemote(target relay.Target, raw json.RawMessage) {
	if target.Kind == relay.KindCache {
		cs.cache.Invalidate(target.Key)
		return
	}

	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		cs.log.Warn("invalid relayed message", zap.Error(err))
		return
	}

	switch target.Kind {
	case relay.KindRoom:
		cs.deliverRoom(target.Key, &msg, nil)
		if msg.Event == EventRoomDeleted {
			cs.closeRoom(target.Key)
		}
	case relay.KindUser:
		cs.deliverUser(target.Key, &msg)
	case relay.KindAll:
		cs.deliverAll(&msg)
	default:
		cs.log.Warn("unknown relay target", zap.String("kind", string(target.Kind)))
	}
}

// Shutdown stops every connected client. It returns early if ctx expires
// before all clients are signalled.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("stopping chat server")

	cs.mu.RLock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.mu.RUnlock()

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.stopClient()
	}

	return nil
}
