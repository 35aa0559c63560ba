package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"fedilace/server/activity"
	"fedilace/server/page"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

const userAgent = "fedilace/0.1"

// ActivityService owns every long-lived component and the http server
// that fronts them.
type ActivityService struct {
	Config Config
	Server http.Server

	router     *mux.Router
	meta       page.MetaData
	db         storage.Database
	formatter  *URLFormatter
	cache      *ObjectCache
	remote     RemoteClient
	auth       *Authenticator
	authorizer *Authorizer
	dist       *Distributor
	handler    *Handler

	bots     []*Bot
	inboxes  []*ActivityInbox
	outboxes []*ActivityOutbox
	feeds    []*feedSource
}

// NewService wires up storage, the federation engine, and the web
// handlers from a config. The returned service is ready to Start.
func NewService(cfg Config) (*ActivityService, error) {
	formatter, err := NewURLFormatter(cfg.URL)
	if err != nil {
		return nil, err
	}

	dbName := cfg.Server.Database
	if dbName == "" {
		dbName = "fedilace.db"
	}
	db := storage.NewDatabase(dbName)
	if err := db.Open(); err != nil {
		return nil, fmt.Errorf("opening database [%s]: %w", dbName, err)
	}

	svc := &ActivityService{
		Config:    cfg,
		router:    mux.NewRouter(),
		db:        db,
		formatter: formatter,
		cache:     NewObjectCache(),
	}

	remote := NewRemoteClient(db, formatter, userAgent)
	svc.remote = remote
	svc.auth = NewAuthenticator(remote.(KeyFetcher))
	svc.authorizer = NewAuthorizer(formatter, db)
	svc.dist = NewDistributor(remote, db, formatter, svc.localNames, svc.deliverLocal)
	svc.handler = NewHandler(db, svc.cache, remote, svc.authorizer, formatter, svc.dist)

	u, _ := url.Parse(cfg.URL)
	svc.meta = page.NewMetaData(u)

	for _, botcfg := range cfg.Bots {
		bot := &Bot{
			Username:    botcfg.Name,
			DisplayName: botcfg.DisplayName,
			handler:     svc.handler,
		}
		svc.bots = append(svc.bots, bot)
		svc.inboxes = append(svc.inboxes, &ActivityInbox{
			bot:           bot,
			id:            formatter.ActorCollection(bot.Username, InboxCollection),
			auth:          svc.auth,
			handler:       svc.handler,
			db:            db,
			formatter:     formatter,
			allowUnsigned: cfg.Server.ReceiveUnsigned,
		})
		svc.outboxes = append(svc.outboxes, &ActivityOutbox{
			bot:       bot,
			id:        formatter.ActorCollection(bot.Username, OutboxCollection),
			db:        db,
			formatter: formatter,
		})
		if botcfg.FeedURL != "" {
			svc.feeds = append(svc.feeds, newFeedSource(bot, db, formatter, botcfg))
		}
	}

	svc.addHandlers()

	svc.Server = http.Server{
		Handler:      svc.router,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}
	return svc, nil
}

func (s *ActivityService) addHandlers() {
	s.router.HandleFunc("/", homeHandler).Methods("GET")

	s.addPageHandler(page.NewStaticPage(page.WellKnownHostMeta), s.meta)
	s.addPageHandler(page.NewStaticPage(page.WellKnownNodeInfo), s.meta)
	s.addPageHandler(page.NewStaticPage(page.NodeInfo), s.meta)

	for _, bot := range s.bots {
		page.WellKnownWebFinger.Add(bot.Username, s.meta)
	}
	s.addPageHandler(&page.WellKnownWebFinger, s.meta)

	shared := &SharedInbox{service: s}
	s.router.HandleFunc("/inbox", shared.PostHTTP).Methods("POST")

	objects := &ObjectPage{
		db:         s.db,
		auth:       s.auth,
		authorizer: s.authorizer,
		formatter:  s.formatter,
	}

	const actorCollections = "{collection:inbox|outbox|followers|following|liked}"

	for i, bot := range s.bots {
		inbox, outbox := s.inboxes[i], s.outboxes[i]

		meta := s.actorMeta(bot)

		pg := page.ActorEndpoint // copy
		pg.Path = fmt.Sprintf("/%s/%s", UserPathPrefix, bot.Username)
		s.addPageHandler(page.NewStaticPage(pg), meta)

		pg = page.ProfilePage // copy
		pg.Path = fmt.Sprintf("/profile/%s", bot.Username)
		s.addPageHandler(page.NewStaticPage(pg), meta)

		base := fmt.Sprintf("/%s/%s", UserPathPrefix, bot.Username)
		s.router.HandleFunc(base+"/inbox", inbox.GetHTTP).Methods("GET")
		s.router.HandleFunc(base+"/inbox", inbox.PostHTTP).Methods("POST")
		s.router.HandleFunc(base+"/outbox", outbox.ServeHTTP).Methods("GET")
		s.router.HandleFunc(base+"/"+actorCollections, outbox.CollectionHTTP).Methods("GET")
		s.router.HandleFunc(base+"/"+actorCollections+"/{page:[0-9]+}", outbox.PageHTTP).Methods("GET")
	}

	// object ids are /user/{username}/{type}/{id}; collection names are
	// claimed by the routes above
	objectPath := fmt.Sprintf("/%s/{username}/{type}/{id}", UserPathPrefix)
	s.router.HandleFunc(objectPath, objects.ServeHTTP).Methods("GET")
}

// actorMeta builds the template data for a bot's actor and profile
// pages, including its public signing key.
func (s *ActivityService) actorMeta(bot *Bot) page.UserMetaData {
	meta := s.meta.NewUserMetaData(bot.Username)
	meta.UserDisplayName = bot.DisplayName
	meta.UserType = activity.ServiceType
	for _, botcfg := range s.Config.Bots {
		if botcfg.Name == bot.Username {
			if botcfg.Type != "" {
				meta.UserType = botcfg.Type
			}
			meta.UserSummary = botcfg.Summary
		}
	}
	pem, err := s.db.GetPublicKey(bot.Username)
	if err != nil {
		telemetry.Error(err, "loading public key for [%s]", bot.Username)
	}
	meta.PublicKeyPEM = pem
	return meta
}

func (s *ActivityService) addPageHandler(pg page.StaticPageHandler, meta any) {
	pg.Init(meta)
	router := s.router.HandleFunc(pg.Path(), pg.ServeHTTP).Methods("GET")
	if !s.Config.Server.AcceptAll && pg.Accept() != "" && pg.Accept() != "*/*" {
		router.Headers("Accept", pg.Accept())
	}
}

// localNames feeds the Distributor's Public fan-out.
func (s *ActivityService) localNames() []string {
	names := make([]string, len(s.bots))
	for i, bot := range s.bots {
		names[i] = bot.Username
	}
	return names
}

// deliverLocal hands a distributed activity to a local recipient
// without going over the wire. The author already processed their own
// copy, so self-delivery is a no-op.
func (s *ActivityService) deliverLocal(username string, act *activity.Object) {
	bot := s.botByName(username)
	if bot == nil {
		telemetry.Warn("no local actor [%s] for delivery", username)
		return
	}
	if act.ActorID() == bot.ID() {
		return
	}
	if err := s.db.AddToCollection(username, InboxCollection, act.ID); err != nil {
		telemetry.Error(err, "appending [%s] to inbox of [%s]", act.ID, username)
	}
	s.handler.HandleActivity(bot, act)
}

func (s *ActivityService) botByName(username string) *Bot {
	for _, bot := range s.bots {
		if bot.Username == username {
			return bot
		}
	}
	return nil
}

// Bot finds a configured bot by name so callers outside the package
// can attach callbacks or post.
func (s *ActivityService) Bot(username string) *Bot {
	return s.botByName(username)
}

// Start begins serving requests and watching feeds. It returns
// immediately; errors from the listener are logged.
func (s *ActivityService) Start(ctx context.Context) {
	for _, feed := range s.feeds {
		go feed.watch(ctx)
	}
	go func() {
		var err error
		if s.Config.Server.useTLS() {
			telemetry.Log("tls listener starting on port %d", s.Config.Server.Port)
			err = s.Server.ListenAndServeTLS(s.Config.Server.Certificate, s.Config.Server.PrivateKey)
		} else {
			telemetry.Log("http listener starting on port %d", s.Config.Server.Port)
			err = s.Server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			telemetry.Error(err, "listener stopped")
		}
	}()
}

// Stop shuts the listener down, waits for in-flight deliveries and
// retries to drain, then closes storage.
func (s *ActivityService) Stop(ctx context.Context) {
	if err := s.Server.Shutdown(ctx); err != nil {
		telemetry.Error(err, "shutting down listener")
	}
	s.dist.OnIdle()
	s.db.Close()
	telemetry.LogCounters()
}

func homeHandler(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "homeHandler")
	telemetry.Increment("home_requests", 1)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<html><title>fedilace</title>
<body>
<p>This is a fedilace server, a small ActivityPub host for automated
accounts. There's nothing to see here.</p>
</body>
</html>`)
}
