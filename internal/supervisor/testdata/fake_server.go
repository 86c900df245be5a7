package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Stand-in plugin server. FAKE_SERVER_MODE selects the behaviour:
// "serve" waits for SIGTERM, "exit" fails at once, "stubborn" ignores SIGTERM.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: fake_server <address>")
		os.Exit(2)
	}
	switch os.Getenv("FAKE_SERVER_MODE") {
	case "exit":
		fmt.Fprintf(os.Stderr, "cannot listen on %s: permission denied\n", os.Args[1])
		os.Exit(3)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
	default:
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM)
		select {
		case <-stop:
		case <-time.After(time.Hour):
		}
	}
}
