// Command relayd runs the reference relay server.
package main

import (
	"flag"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"collabsync/discovery"
	"collabsync/relayd"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	redisAddr := flag.String("redis", "", "redis address for cross-instance fan-out (optional)")
	mdns := flag.Bool("mdns", false, "announce this relay on the LAN over mDNS")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	var (
		log *zap.Logger
		err error
	)
	if *debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var fanout *relayd.Fanout
	if *redisAddr != "" {
		fanout, err = relayd.NewFanout(*redisAddr, log)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer fanout.Close()
		log.Info("fan-out enabled", zap.String("redis", *redisAddr))
	}

	if *mdns {
		port := 8081
		if i := strings.LastIndex(*addr, ":"); i >= 0 {
			if p, err := strconv.Atoi((*addr)[i+1:]); err == nil {
				port = p
			}
		}
		server, err := discovery.Register(port, log)
		if err != nil {
			log.Fatal("mDNS registration failed", zap.Error(err))
		}
		defer server.Shutdown()
	}

	s := relayd.NewServer(log, fanout)
	defer s.Close()
	log.Info("relayd listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, s.Router()); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
