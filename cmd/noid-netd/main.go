// Command noid-netd is the privileged network broker daemon: it owns TAP
// device lifecycle and serves setup/teardown/status requests from noidd over
// a Unix socket.
package main

import (
	"log"

	"github.com/opensandbox/opensandbox/internal/broker"
	"github.com/opensandbox/opensandbox/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("noid-netd: failed to load config: %v", err)
	}

	d := broker.New(cfg.BrokerSocketPath)
	log.Printf("noid-netd: starting on %s", cfg.BrokerSocketPath)
	if err := d.Start(); err != nil {
		log.Fatalf("noid-netd: %v", err)
	}
}
