// File: cmd/vrouter-core/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// vrouter-core boots the lcore forwarding pool and the shared-memory
// netlink transport, then blocks until SIGINT/SIGTERM.

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/momentics/vrouter-core/internal/genetlink"
	"github.com/momentics/vrouter-core/router"
)

func main() {
	lcoresFlag := flag.String("lcores", "1,2,3", "comma-separated forwarding lcore IDs")
	serviceLcore := flag.Int("service-lcore", 0, "lcore ID running the netlink transport")
	numaNode := flag.Int("numa-node", 0, "NUMA node for lcore allocation")
	maxInterfaces := flag.Int("max-interfaces", 64, "per-lcore RX queue ceiling")
	listenPath := flag.String("listen", "/var/run/vrouter-core/netlink.sock", "netlink transport listen socket path")
	ringCap := flag.Int("ring-capacity", 64*1024, "shared-memory ring payload capacity in bytes")
	maxPeers := flag.Int("max-peers", 16, "maximum concurrent netlink client connections")
	burstSize := flag.Int("burst-size", 32, "RX burst size per forwarding-loop pass")
	flag.Parse()

	lcoreIDs, err := parseIntList(*lcoresFlag)
	if err != nil {
		log.Fatalf("invalid -lcores: %v", err)
	}

	cfg := router.Config{
		ForwardingLcoreIDs:  lcoreIDs,
		ServiceLcoreID:      *serviceLcore,
		NUMANode:            *numaNode,
		MaxInterfaces:       *maxInterfaces,
		ListenPath:          *listenPath,
		RingCapacity:        *ringCap,
		MaxPeers:            *maxPeers,
		ForwardingBurstSize: *burstSize,
		Handler:             echoHandler,
	}

	r, err := router.New(cfg)
	if err != nil {
		log.Fatalf("router: %v", err)
	}

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("shutdown signal received")
		r.Shutdown()
	}()

	log.Printf("vrouter-core starting: forwarding lcores=%v service-lcore=%d listen=%s",
		cfg.ForwardingLcoreIDs, cfg.ServiceLcoreID, cfg.ListenPath)
	r.Run()
	log.Println("vrouter-core stopped")
}

// echoHandler is the default netlink request handler when no real
// control-plane command set is wired in: it answers every request with
// its own payload unchanged, useful for exercising the transport alone.
func echoHandler(req genetlink.Message) ([][]byte, error) {
	resp := genetlink.Encode(genetlink.Message{
		Type:    req.Type,
		Cmd:     req.Cmd,
		Seq:     req.Seq,
		Payload: req.Payload,
	})
	return [][]byte{resp}, nil
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
