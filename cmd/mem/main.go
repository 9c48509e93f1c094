// Command mem runs a single MEM node: the page-cached shard sitting
// between KER and LFS (spec §4.7).
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
	"github.com/lissandra-db/lissandra/mem"
	"github.com/lissandra-db/lissandra/netctx"
)

func main() {
	cfgPath := flag.String("config", "res/mem.cfg", "path to the node's .cfg file")
	flag.Parse()

	cfg, err := cmn.Load(*cfgPath)
	if err != nil {
		nlog.Fatalln("mem: loading config:", err)
	}

	eng, err := mem.New(cfg)
	if err != nil {
		nlog.Fatalln("mem: init:", err)
	}

	srv, err := netctx.Listen(netctx.ServerArgs{
		Name:              "mem",
		IP:                cfg.ListenIP,
		Port:              cfg.ListenPort,
		MaxClients:        cfg.NumWorkers * 4,
		ValidationTimeout: time.Duration(cfg.ValidationTimeout) * time.Second,
		MultiThreadedSend: true,
	})
	if err != nil {
		nlog.Fatalln("mem: listen:", err)
	}
	eng.Attach(srv)

	lfsConn, err := netctx.Dial(netctx.ClientArgs{
		Name:              "lfs",
		IP:                cfg.LfsIP,
		Port:              cfg.LfsPort,
		MultiThreadedSend: true,
		OnDisconnect:      eng.OnLFSDisconnect,
	}, 5*time.Second)
	if err != nil {
		nlog.Fatalln("mem: dialing lfs:", err)
	}
	eng.AttachLFS(lfsConn)
	if err := eng.SendAuth(cfg.Password); err != nil {
		nlog.Fatalln("mem: lfs auth handshake:", err)
	}

	if cfg.MetricsPort != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			nlog.Warningf("[mem] metrics server exited: %v",
				http.ListenAndServe(addr(cfg.ListenIP, cfg.MetricsPort), mux))
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	gossipTicker := time.NewTicker(cfg.GossipInterval())
	defer gossipTicker.Stop()
	journalTicker := time.NewTicker(cfg.JournalInterval())
	defer journalTicker.Stop()
	timeoutTicker := time.NewTicker(time.Second)
	defer timeoutTicker.Stop()

	nlog.Infof("[mem] node #%d ready at %s:%d", cfg.MemNumber, cfg.ListenIP, cfg.ListenPort)

	for {
		select {
		case <-sigCh:
			nlog.Infoln("[mem] shutting down")
			srv.Close()
			lfsConn.Close()
			eng.Destroy()
			return
		case <-gossipTicker.C:
			eng.TickGossip()
		case <-journalTicker.C:
			eng.TickJournal()
		case <-timeoutTicker.C:
			srv.CheckTimeouts()
		default:
			srv.PollEvents(50 * time.Millisecond)
			lfsConn.PollEvents(0)
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
