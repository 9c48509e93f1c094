// Command lfs runs a single LFS node: the log-structured,
// block-addressed storage tier served to MEM nodes (spec §4.6).
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
	"github.com/lissandra-db/lissandra/lfs"
	"github.com/lissandra-db/lissandra/netctx"
)

func main() {
	cfgPath := flag.String("config", "res/lfs.cfg", "path to the node's .cfg file")
	flag.Parse()

	cfg, err := cmn.Load(*cfgPath)
	if err != nil {
		nlog.Fatalln("lfs: loading config:", err)
	}

	eng, err := lfs.New(cfg)
	if err != nil {
		nlog.Fatalln("lfs: init:", err)
	}

	srv, err := netctx.Listen(netctx.ServerArgs{
		Name:              "lfs",
		IP:                cfg.ListenIP,
		Port:              cfg.ListenPort,
		MaxClients:        cfg.NumWorkers * 4,
		ValidationTimeout: time.Duration(cfg.ValidationTimeout) * time.Second,
		MultiThreadedSend: true,
	})
	if err != nil {
		nlog.Fatalln("lfs: listen:", err)
	}
	eng.Attach(srv)

	if cfg.MetricsPort != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			nlog.Warningf("[lfs] metrics server exited: %v",
				http.ListenAndServe(addr(cfg.ListenIP, cfg.MetricsPort), mux))
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	dumpTicker := time.NewTicker(cfg.DumpInterval())
	defer dumpTicker.Stop()
	timeoutTicker := time.NewTicker(time.Second)
	defer timeoutTicker.Stop()

	nlog.Infof("[lfs] node ready at %s:%d (root=%s)", cfg.ListenIP, cfg.ListenPort, cfg.RootDir)

	for {
		select {
		case <-sigCh:
			nlog.Infoln("[lfs] shutting down")
			srv.Close()
			eng.Destroy()
			return
		case <-dumpTicker.C:
			eng.TickDump()
			eng.TickCompaction()
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
