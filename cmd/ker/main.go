// Command ker runs a single KER node: the query router fronting a
// pool of MEM shards (spec §4.8).
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/metrics"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/ker"
	"github.com/lissandra-db/lissandra/netctx"
)

func main() {
	cfgPath := flag.String("config", "res/ker.cfg", "path to the node's .cfg file")
	flag.Parse()

	cfg, err := cmn.Load(*cfgPath)
	if err != nil {
		nlog.Fatalln("ker: loading config:", err)
	}

	eng, err := ker.New(cfg)
	if err != nil {
		nlog.Fatalln("ker: init:", err)
	}

	srv, err := netctx.Listen(netctx.ServerArgs{
		Name:              "ker",
		IP:                cfg.ListenIP,
		Port:              cfg.ListenPort,
		MaxClients:        cfg.NumWorkers * 8,
		ValidationTimeout: time.Duration(cfg.ValidationTimeout) * time.Second,
		MultiThreadedSend: true,
	})
	if err != nil {
		nlog.Fatalln("ker: listen:", err)
	}
	eng.Attach(srv)

	if cfg.MetricsPort != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			nlog.Warningf("[ker] metrics server exited: %v",
				http.ListenAndServe(addr(cfg.ListenIP, cfg.MetricsPort), mux))
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	gossipTicker := time.NewTicker(cfg.GossipInterval())
	defer gossipTicker.Stop()
	metaTicker := time.NewTicker(time.Duration(cfg.MetaRefreshMs) * time.Millisecond)
	defer metaTicker.Stop()
	timeoutTicker := time.NewTicker(time.Second)
	defer timeoutTicker.Stop()

	nlog.Infof("[ker] node ready at %s:%d", cfg.ListenIP, cfg.ListenPort)

	for {
		select {
		case <-sigCh:
			nlog.Infoln("[ker] shutting down")
			srv.Close()
			eng.Destroy()
			return
		case <-gossipTicker.C:
			eng.TickGossip()
		case <-metaTicker.C:
			eng.RefreshTables()
		case <-timeoutTicker.C:
			srv.CheckTimeouts()
		default:
			srv.PollEvents(50 * time.Millisecond)
			eng.Update()
		}
	}
}

func addr(ip string, port uint16) string {
	if ip == "" {
		ip = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", ip, port)
}
