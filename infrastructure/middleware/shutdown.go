package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkwithmentor/platform/infrastructure/logging"
)

// RunServerWithShutdown starts srv and blocks until SIGINT/SIGTERM, then
// drains in-flight requests within the grace period.
func RunServerWithShutdown(srv *http.Server, logger *logging.Logger, grace time.Duration) error {
	errCh := make(chan error, 1)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.WithFields(map[string]interface{}{"signal": sig.String()}).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(ctx)
}
