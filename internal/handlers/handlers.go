package handlers

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/config"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/database"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/instantcall"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/push"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/registry"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/rooms"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/session"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/signaling"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/turn"
)

type Handlers struct {
	config     *config.Config
	registry   *registry.Registry
	rooms      *rooms.Manager
	relay      *signaling.Relay
	timer      *session.Timer
	calls      *instantcall.Coordinator
	archive    *database.Archive
	pusher     *push.Notifier
	turnServer *turn.Server
	hub        *Hub
	fanout     *Fanout
	wsUpgrader websocket.Upgrader
	logger     *slog.Logger
	nowFn      func() time.Time
}

type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Rooms      *rooms.Manager
	Relay      *signaling.Relay
	Timer      *session.Timer
	Calls      *instantcall.Coordinator
	Archive    *database.Archive
	Pusher     *push.Notifier
	TURNServer *turn.Server
	Hub        *Hub
	Fanout     *Fanout
	Upgrader   websocket.Upgrader
	Logger     *slog.Logger
}

func New(deps Deps) *Handlers {
	return &Handlers{
		config:     deps.Config,
		registry:   deps.Registry,
		rooms:      deps.Rooms,
		relay:      deps.Relay,
		timer:      deps.Timer,
		calls:      deps.Calls,
		archive:    deps.Archive,
		pusher:     deps.Pusher,
		turnServer: deps.TURNServer,
		hub:        deps.Hub,
		fanout:     deps.Fanout,
		wsUpgrader: deps.Upgrader,
		logger:     deps.Logger,
		nowFn:      time.Now,
	}
}
