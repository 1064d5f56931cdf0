package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"weft/internal/config"
	"weft/internal/server"
)

func main() {
	configPath := flag.String("config", "weft.yaml", "Path to config file")
	flag.Parse()

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	defer reloader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	restartCh := make(chan *config.Config, 1)
	reloader.Watch(func(old, next *config.Config) {
		select {
		case restartCh <- next:
		default:
		}
	})

	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go runServer(runCtx, reloader.Get(), errCh)

	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return
		case next := <-restartCh:
			log.Printf("config reloaded: restarting with updated settings")
			runCancel()
			<-errCh
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runServer(runCtx, next, errCh)
		case err := <-errCh:
			if ctx.Err() != nil {
				return
			}
			log.Printf("server failed: %v", err)
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runServer(runCtx, reloader.Get(), errCh)
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func runServer(ctx context.Context, cfg *config.Config, errCh chan<- error) {
	errCh <- server.New(cfg).Start(ctx)
}
