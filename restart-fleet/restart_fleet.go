/*
restart-fleet asks a running fleet-service to restart the remote compute
fleet. Every active tool session is lost, so this is for planned
maintenance windows: image rollouts, provider-side incidents, draining a
misbehaving fleet.

Usage:

	restart-fleet -service http://localhost:8080 -token $ADMIN_TOKEN

The token must belong to a superuser. The restart itself runs through
the service's durable task queue, so a zero exit only means the restart
was accepted, not that it has finished.
*/
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	service := flag.String("service", "http://localhost:8080", "base URL of the fleet-service")
	token := flag.String("token", os.Getenv("FLEET_ADMIN_TOKEN"), "superuser bearer token")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "restart-fleet: no token given (flag -token or FLEET_ADMIN_TOKEN)")
		os.Exit(2)
	}

	req, err := http.NewRequest(http.MethodPost, *service+"/admin/restart_fleet", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restart-fleet: %s\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+*token)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restart-fleet: %s\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "restart-fleet: service answered %s: %s\n", resp.Status, body)
		os.Exit(1)
	}

	fmt.Println("Fleet restart scheduled.")
}
