// Command corectl-remoted is the remote execution daemon uploaded and
// spawned by the SSH bootstrap component. It is invoked as:
//
//	corectl-remoted <port> <idle_timeout_seconds>
//
// and mints its own bearer token, printing it (along with its bound port
// and PID) to stdout as a single "DAEMON_STARTED:{json}" line before
// serving requests.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/corectl/internal/auth"
	"github.com/nexus-agent/corectl/internal/daemon/remoted"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: corectl-remoted <port> <idle_timeout_seconds>")
		os.Exit(2)
	}

	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", os.Args[1], err)
		os.Exit(2)
	}
	idleSecs, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid idle timeout %q: %v\n", os.Args[2], err)
		os.Exit(2)
	}

	idleTimeout := time.Duration(idleSecs) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}

	secret, err := randomToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate signing secret: %v\n", err)
		os.Exit(1)
	}
	subject := uuid.NewString()
	jwtSvc := auth.NewJWTService(secret, idleTimeout)
	token, err := jwtSvc.GenerateService(subject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	srv, err := remoted.New(remoted.Config{
		Port:         port,
		Token:        token,
		JWT:          jwtSvc,
		TokenSubject: subject,
		IdleTimeout:  idleTimeout,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("remoted exited with error", "error", err)
		os.Exit(1)
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
