// Command roomserver runs the game room server: the TCP and websocket
// game ports, the lobby/session core, the game cache with write-back,
// and the Prometheus metrics endpoint. Optional services (Redis, NATS,
// PostgreSQL) are wired when their addresses are configured and
// degrade to log lines when they are not.
package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/boardspace/roomserver/internal/audit"
	"github.com/boardspace/roomserver/internal/ban"
	"github.com/boardspace/roomserver/internal/game"
	"github.com/boardspace/roomserver/internal/lobby"
	"github.com/boardspace/roomserver/internal/messaging"
	"github.com/boardspace/roomserver/internal/metrics"
	"github.com/boardspace/roomserver/internal/moderation"
	"github.com/boardspace/roomserver/internal/ratelimit"
	"github.com/boardspace/roomserver/internal/registry"
	"github.com/boardspace/roomserver/internal/transport"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("bad %s=%q, using %d", key, v, def)
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v != "0" && !strings.EqualFold(v, "false")
	}
	return def
}

// parseServerIPs turns a comma-separated dotted list into the packed
// form the trusted-address checks use.
func parseServerIPs(list string) []uint32 {
	var out []uint32
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.Split(tok, ".")
		if len(parts) != 4 {
			log.Printf("bad server ip %q, skipped", tok)
			continue
		}
		var ip uint32
		ok := true
		for _, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 || n > 255 {
				ok = false
				break
			}
			ip = ip<<8 | uint32(n)
		}
		if ok {
			out = append(out, ip)
		}
	}
	return out
}

func main() {
	log.Println("starting room server")

	cfg := lobby.DefaultConfig()
	cfg.TCPAddr = env("ROOMSERVER_ADDR", cfg.TCPAddr)
	cfg.WSAddr = env("ROOMSERVER_WS_ADDR", cfg.WSAddr)
	cfg.CacheDir = env("ROOMSERVER_CACHE_DIR", cfg.CacheDir)
	cfg.SaveRate = envInt("ROOMSERVER_SAVE_RATE", cfg.SaveRate)
	cfg.StrictLogin = envBool("ROOMSERVER_STRICT_LOGIN", cfg.StrictLogin)
	cfg.StrictScore = envInt("ROOMSERVER_STRICT_SCORE", cfg.StrictScore)
	cfg.RequireSeq = envBool("ROOMSERVER_REQUIRE_SEQ", cfg.RequireSeq)
	cfg.RequireRNG = envBool("ROOMSERVER_REQUIRE_RNG", cfg.RequireRNG)
	cfg.SupervisorPassword = os.Getenv("ROOMSERVER_SUPERVISOR_PASSWORD")
	cfg.ServerIPs = parseServerIPs(os.Getenv("ROOMSERVER_TRUSTED_IPS"))
	if dirs := os.Getenv("ROOMSERVER_GAME_DIRS"); dirs != "" {
		cfg.GameDirs = strings.Split(dirs, string(os.PathListSeparator))
	}
	if t := envInt("ROOMSERVER_CLIENT_TIMEOUT_SEC", 0); t > 0 {
		cfg.ClientTimeout = time.Duration(t) * time.Second
	}
	if t := envInt("ROOMSERVER_LOBBY_TIMEOUT_SEC", 0); t > 0 {
		cfg.LobbyTimeout = time.Duration(t) * time.Second
	}

	// Redis: registration mirror and the admission rate gate
	var mirror *registry.Mirror
	var gate transport.Gate
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		m, err := registry.NewMirror(addr)
		if err != nil {
			log.Printf("registry mirror disabled: %v", err)
		} else {
			mirror = m
			defer mirror.Close()
		}
		limiter := ratelimit.NewLimiter(ratelimit.RedisClient{
			R: redis.NewClient(&redis.Options{Addr: addr}),
		})
		gate = func(st transport.Stream) bool {
			return limiter.Allow(transport.FormatIP(st.RemoteIP()), ratelimit.RuleConnect)
		}
	}

	// PostgreSQL: the security-event audit trail
	var auditStore *audit.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			err = audit.Migrate(db)
		}
		if err != nil {
			log.Printf("audit trail disabled: %v", err)
		} else {
			auditStore = audit.NewStore(db)
			defer db.Close()
		}
	}

	// NATS: room lifecycle events out, registrations in
	var bus *messaging.NATSClient
	if url := os.Getenv("NATS_URL"); url != "" {
		nc := messaging.DefaultNATSConfig()
		nc.URL = url
		b, err := messaging.NewNATSClient(nc)
		if err != nil {
			log.Printf("event bus disabled: %v", err)
		} else {
			bus = b
			defer bus.Close()
		}
	}

	var chatFilter *moderation.Filter
	if terms := os.Getenv("ROOMSERVER_CHAT_TERMS"); terms != "" {
		chatFilter = moderation.NewFilter(strings.Split(terms, ","))
	}

	persist := cfg.CacheDir != ""
	games := game.NewCache(envInt("ROOMSERVER_CACHE_GAMES", 0), envInt("ROOMSERVER_CACHE_DAYS", 0), persist)
	var saver *game.Saver
	if persist {
		if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
			log.Fatalf("cache dir %s: %v", cfg.CacheDir, err)
		}
		n := games.Reload(cfg.CacheDir)
		log.Printf("reloaded %d cached games from %s", n, cfg.CacheDir)
		saver = game.NewSaver(cfg.CacheDir, cfg.SaveRate)
		defer saver.Close()
	}

	if maddr := env("METRICS_ADDR", ":9090"); maddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(maddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("metrics on %s/metrics", maddr)
	}

	srv := lobby.NewServer(cfg, lobby.Deps{
		Games:      games,
		Saver:      saver,
		Bans:       ban.NewRing(),
		Registry:   registry.NewTable(mirror),
		Audit:      auditStore,
		Bus:        bus,
		Gate:       gate,
		ChatFilter: chatFilter,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %v, shutting down", sig)
		srv.Quit()
	}()

	if err := srv.Run(); err != nil {
		log.Fatalf("room server: %v", err)
	}
	log.Println("room server stopped")
}
