package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/rcs_client/pkg/fthttp"
	"github.com/arzzra/rcs_client/pkg/im"
	"github.com/arzzra/rcs_client/pkg/ims"
	"github.com/arzzra/rcs_client/pkg/settings"
	"github.com/arzzra/rcs_client/pkg/storage"
)

func main() {
	var (
		configPath = flag.String("config", "rcs_client.yaml", "Path to the yaml configuration")
		debug      = flag.Bool("debug", false, "Enable SIP wire debug")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	cfg, err := settings.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *settings.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenSQLite(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("creating user agent: %w", err)
	}
	defer ua.Close()

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("creating sip client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}
	transactor := ims.NewSipgoTransactor(client)

	var registry *prometheus.Registry
	var metrics *ims.Metrics
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = ims.NewMetrics(registry)
	}

	auth := ims.NewAuthenticationAgent(cfg.SIP.PrivateID, cfg.SIP.Password)
	localTags := ims.NewFeatureTagSet(
		ims.FeatureTagOMAIM,
		ims.FeatureTagFileTransferHTTP,
	)
	var localURI sip.Uri
	if err := sip.ParseUri(cfg.SIP.PublicURI, &localURI); err != nil {
		return fmt.Errorf("parsing public uri: %w", err)
	}
	sessionCfg := ims.SessionConfig{
		Transactor:       transactor,
		LocalURI:         localURI,
		LocalContact:     "sip:" + cfg.SIP.ListenAddr,
		FeatureTags:      localTags.List(),
		RingingPeriod:    cfg.SIP.RingingPeriod,
		TransportTimeout: cfg.SIP.TransportTimeout,
		Logger:           logger,
		Metrics:          metrics,
	}

	imService := ims.NewService("im", logger)
	ftService := ims.NewService("filetransfer", logger)
	svcRegistry := ims.NewServiceRegistry()
	svcRegistry.Register(imService)
	svcRegistry.Register(ftService)

	capability := ims.NewCapabilityService(transactor, cfg.SIP.PublicURI, localTags, logger)
	capCache := im.NewCapabilityCache(logger)
	capability.SetObserver(capCache)

	dispatcher := ims.NewDispatcher(ims.DispatcherConfig{
		LocalAddrs:      []string{cfg.SIP.ListenAddr},
		InstanceID:      cfg.SIP.InstanceID,
		StoreForwardURI: cfg.IM.StoreForwardURI,
		Logger:          logger,
		Metrics:         metrics,
	}, svcRegistry)
	dispatcher.RegisterOptionsHandler(capability)

	carrier := &im.PagerMessageCarrier{
		Transactor: transactor,
		LocalURI:   cfg.SIP.PublicURI,
		Auth:       auth,
		Logger:     logger,
	}
	chatManager := im.NewChatManager(imService, carrier, auth, cfg.SIP.PublicURI, sessionCfg, store, logger)

	uploadCfg := fthttp.UploadConfig{
		ServerURL: cfg.FTHTTP.ServerURL,
		Username:  cfg.FTHTTP.Username,
		Password:  cfg.FTHTTP.Password,
		Logger:    logger,
	}
	downloadCfg := fthttp.DownloadConfig{
		Username: cfg.FTHTTP.Username,
		Password: cfg.FTHTTP.Password,
		Logger:   logger,
	}
	launcher := &im.FileTransferResumeLauncher{
		UploadConfig:   uploadCfg,
		DownloadConfig: downloadCfg,
		Bridge:         chatManager,
		Logger:         logger,
	}
	resumeManager := fthttp.NewResumeManager(store, launcher, logger)

	// The dequeue plane: capability refreshes trigger queue flushes for
	// the contact that just came online.
	dequeueLock := &im.DequeueLock{}
	ftStarter := &im.QueuedFileTransferStarter{
		UploadConfig: uploadCfg,
		Bridge:       chatManager,
		Gate:         capCache,
		Store:        store,
		MaxFileSize:  cfg.FTHTTP.MaxSize,
		Logger:       logger,
	}
	msgDequeue := &im.OneToOneChatMessageDequeueTask{
		Lock: dequeueLock, Store: store, Gate: capCache,
		Deliverer: chatManager, Logger: logger,
	}
	ftDequeue := &im.FileTransferDequeueTask{
		Lock: dequeueLock, Store: store, Gate: capCache,
		Starter: ftStarter, Logger: logger,
	}
	groupDequeue := &im.GroupChatInviteQueuedParticipantsTask{
		Lock: dequeueLock, Store: store, Inviter: chatManager, Logger: logger,
	}
	capCache.SetDequeueTasks(msgDequeue, ftDequeue)
	chatManager.SetCapabilityGate(capCache)
	chatManager.SetGroupDequeueTask(groupDequeue)

	inviteRouter := &im.InviteRouter{
		ChatService: imService,
		FtService:   ftService,
		Chat:        chatManager,
		Auth:        auth,
		SessionCfg:  sessionCfg,
		DownloadCfg: downloadCfg,
		DownloadDir: cfg.FTHTTP.DownloadDir,
		MaxFileSize: cfg.FTHTTP.MaxSize,
		Store:       store,
		Logger:      logger,
	}
	dispatcher.RegisterInviteHandler(ims.TargetOneToOneChat, inviteRouter)
	dispatcher.RegisterInviteHandler(ims.TargetStoreAndForward, inviteRouter)
	dispatcher.RegisterInviteHandler(ims.TargetHTTPFileTransfer, inviteRouter)
	dispatcher.RegisterMessageHandler(&im.PagerMessageConsumer{Logger: logger})
	dispatcher.RegisterNotifyHandler("conference", &im.ConferenceEventWatcher{Chat: chatManager, Logger: logger})

	// Every inbound request funnels through the dispatcher FIFO.
	post := func(req *sip.Request, tx sip.ServerTransaction) {
		dispatcher.PostSipRequest(req, tx)
	}
	server.OnInvite(post)
	server.OnAck(post)
	server.OnBye(post)
	server.OnCancel(post)
	server.OnOptions(post)
	server.OnMessage(post)
	server.OnNotify(post)
	server.OnUpdate(post)
	server.OnRefer(post)

	imService.Start()
	ftService.Start()
	dispatcher.Start()
	if err := resumeManager.Start(); err != nil {
		logger.Warn("resume manager start failed", "error", err)
	}
	probeQueuedContacts(store, capability, logger)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, registry, logger)
	}

	logger.Info("rcs client up",
		"listen", cfg.SIP.ListenAddr,
		"transport", cfg.SIP.Transport,
		"identity", cfg.SIP.PublicURI)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx, cfg.SIP.Transport, cfg.SIP.ListenAddr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	resumeManager.Stop()
	dispatcher.Close()
	imService.Stop()
	ftService.Stop()
	return nil
}

// probeQueuedContacts fires a capability query for every contact with
// queued work. The answers flow through the capability cache, which
// flushes the queues for whoever turns out to be online.
func probeQueuedContacts(store storage.Store, capability *ims.CapabilityService, logger *slog.Logger) {
	seen := make(map[string]struct{})
	probe := func(contacts []string, err error) {
		if err != nil {
			logger.Warn("listing queued contacts failed", "error", err)
			return
		}
		for _, contact := range contacts {
			if _, done := seen[contact]; done {
				continue
			}
			seen[contact] = struct{}{}
			capability.RequestCapabilities(contact)
		}
	}
	probe(store.ContactsWithQueuedMessages())
	probe(store.ContactsWithQueuedFileTransfers())
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", "error", err)
	}
}
