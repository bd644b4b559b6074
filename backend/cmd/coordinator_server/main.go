package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collab-coordinator/backend/config"
	"collab-coordinator/backend/internal/cache"
	"collab-coordinator/backend/internal/collab"
	"collab-coordinator/backend/internal/httpapi/handlers"
	"collab-coordinator/backend/internal/httpapi/middleware"
	"collab-coordinator/backend/internal/lease"
	"collab-coordinator/backend/internal/presence"
	"collab-coordinator/backend/internal/ws"
)

func newLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmsgprefix)
}

func openSubstrate(cfg *config.CoordinatorConfig) (cache.Substrate, error) {
	if len(cfg.Redis.Addrs) == 0 {
		log.Printf("WARNING: redis.addrs is empty, using in-process store; do not run more than one instance")
		return cache.NewMemorySubstrate(nil), nil
	}
	rdb := cache.NewRedisClient(cache.RedisConfig{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	s := cache.NewRedisSubstrate(rdb, newLogger("redis"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return s, nil
}

// openEvents 没有配置 broker 时返回 nil，协调操作照常工作，只是不发布事件
func openEvents(cfg *config.CoordinatorConfig) (*collab.KafkaDispatcher, sarama.SyncProducer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, nil
	}
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka: %w", err)
	}
	d := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers), collab.KafkaDispatcherOptions{
		QueueSize:   cfg.Kafka.QueueSize,
		Workers:     cfg.Kafka.Workers,
		MaxRetry:    cfg.Kafka.MaxRetry,
		BaseBackoff: cfg.Kafka.BaseBackoff,
		MaxBackoff:  cfg.Kafka.MaxBackoff,
		Logger:      newLogger("kafka"),
	})
	return d, producer, nil
}

func authMiddleware(cfg *config.CoordinatorConfig) gin.HandlerFunc {
	switch {
	case cfg.Auth.JWTSecret != "":
		return middleware.JWTMiddleware([]byte(cfg.Auth.JWTSecret))
	case cfg.Auth.Path != "":
		return middleware.AuthMiddleware(cfg.Auth.Path, newLogger("auth"))
	default:
		log.Printf("WARNING: no auth configured, trusting X-User-Id header (development only)")
		return middleware.DevIdentity()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %s", cfg)

	substrate, err := openSubstrate(cfg)
	if err != nil {
		log.Fatalf("open coordination store failed: %v", err)
	}
	defer substrate.Close()

	dispatcher, producer, err := openEvents(cfg)
	if err != nil {
		log.Fatalf("init events failed: %v", err)
	}
	var sink collab.EventSink
	if dispatcher != nil {
		sink = dispatcher
		defer producer.Close()
		// 先排空队列再关 producer
		defer dispatcher.Close()
	}

	tracker := presence.NewTracker(substrate, presence.Options{
		InactivityWindow: cfg.Presence.InactivityWindow,
		AsyncPrune:       cfg.Presence.AsyncPrune,
		PruneTimeout:     cfg.Presence.PruneTimeout,
		Logger:           newLogger("presence"),
	})
	locks := lease.NewManager(substrate, lease.Options{
		LockTTL: cfg.Lock.TTL,
		Logger:  newLogger("lease"),
	})
	coord := collab.New(tracker, locks, collab.Options{Sink: sink, Logger: newLogger("collab")})

	h := handlers.NewCollabHandler(coord, substrate, newLogger("http"))
	wsManager := ws.NewManager(coord, collab.NewSemaphoreControl(cfg.Running.MaxSessions), ws.Options{
		AllowedOrigins: cfg.Running.AllowedOrigins,
		Logger:         newLogger("ws"),
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	// 经网关访问时网关已经加了 CORS，重复添加会让浏览器拦截，所以默认关闭
	if cfg.Running.Cors {
		router.Use(cors.New(cors.Config{
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-Id"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	root := router.Group("/collab")
	root.GET("/healthz", h.Healthz())
	root.GET("/readyz", h.Readyz())

	authed := root.Group("")
	authed.Use(authMiddleware(cfg))
	authed.GET("/ws", wsManager.WebSocketConnect)
	h.Register(authed.Group("/v1"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("coordinator listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	// websocket 会话是劫持出去的连接，srv.Shutdown 不会等它们；要在 defer 关闭缓存之前做完善后
	if err := wsManager.Shutdown(shutdownCtx); err != nil {
		log.Printf("ws shutdown: %v", err)
	}
}
