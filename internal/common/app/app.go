package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received.
// Workers use it so in-flight batches stop retrying and release the cluster lock before exit.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
