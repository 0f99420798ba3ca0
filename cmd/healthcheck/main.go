// Command healthcheck probes the daemon's /healthz endpoint and exits non-zero
// when it is unreachable. HTTP_ADDR selects the address (default 127.0.0.1:17563).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(run(os.Getenv("HTTP_ADDR")))
}

func healthURL(addr string) string {
	if addr == "" {
		addr = "127.0.0.1:17563"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/healthz"
}

func run(addr string) int {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, healthURL(addr), nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
