// Command devremote serves an in-memory remote document store for local
// development and integration testing. State is lost on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nekay/nekaysync/internal/remote/devremote"
)

func main() {
	addr := flag.String("a", "127.0.0.1:8787", "address to listen on")
	flag.Parse()

	srv := &http.Server{Addr: *addr, Handler: devremote.New().Handler()}

	go func() {
		log.Printf("dev remote store listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("%v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
