// Command libretune connects to an ECU described by a definition file
// and serves its live telemetry, constant table, and burn workflow over
// HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RallyPat/LibreTune-sub000/internal/hostconfig"
	"github.com/RallyPat/LibreTune-sub000/internal/ini"
	"github.com/RallyPat/LibreTune-sub000/internal/protocol"
	"github.com/RallyPat/LibreTune-sub000/internal/server"
	"github.com/RallyPat/LibreTune-sub000/internal/session"
)

func main() {
	configPath := flag.String("config", "/etc/libretune/config.yaml", "Path to config file")
	iniPath := flag.String("ini", "", "Override definition file path")
	portPath := flag.String("port", "", "Override serial port path")
	baud := flag.Int("baud", 0, "Override baud rate")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("main: libretune starting")

	cfg := hostconfig.LoadConfig(*configPath)
	if *iniPath != "" {
		cfg.ECU.DefinitionPath = *iniPath
	}
	if *portPath != "" {
		cfg.ECU.PortPath = *portPath
	}
	if *baud != 0 {
		cfg.ECU.BaudRate = *baud
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	def, err := ini.ParseFile(cfg.ECU.DefinitionPath)
	if err != nil {
		log.Fatalf("main: load definition %s: %v", cfg.ECU.DefinitionPath, err)
	}
	log.Printf("main: loaded definition %q (signature %q)", cfg.ECU.DefinitionPath, def.Signature)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("main: received %v, shutting down", sig)
		cancel()
	}()

	sess := session.New(def, session.Config{
		PortPath:       cfg.ECU.PortPath,
		BaudRate:       cfg.ECU.BaudRate,
		PollHz:         cfg.Session.PollHz,
		AdaptiveTiming: adaptiveTimingFromConfig(cfg),
		RuntimeMode:    runtimeModeFromConfig(cfg),
	})

	go connectWithRetry(ctx, "session", sess, 10)

	srv := server.New(cfg, sess)
	if err := srv.Run(ctx); err != nil {
		log.Printf("main: server exited: %v", err)
	}
}

func adaptiveTimingFromConfig(cfg *hostconfig.Config) protocol.AdaptiveTimingConfig {
	t := protocol.DefaultAdaptiveTimingConfig()
	t.Enabled = cfg.Session.AdaptiveTiming
	return t
}

func runtimeModeFromConfig(cfg *hostconfig.Config) protocol.RuntimePacketMode {
	switch cfg.Session.RuntimeMode {
	case "burst":
		return protocol.ModeForceBurst
	case "och":
		return protocol.ModeForceOCH
	case "disabled":
		return protocol.ModeDisabled
	default:
		return protocol.ModeAuto
	}
}

// connectable is satisfied by *session.Session.
type connectable interface {
	Open(ctx context.Context) error
}

// connectWithRetry attempts to open the session with exponential
// backoff: starts at 1s, doubles each attempt up to 60s, retries up to
// maxAttempts then continues at the max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Open(ctx); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("main: %s open attempt %d/%d failed: %v (retry in %v)", name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("main: %s open attempt %d failed: %v (retry in %v)", name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("main: %s opened successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
