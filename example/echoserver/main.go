//go:build linux

// Command echoserver echoes every byte it receives. It shuts down cleanly on
// SIGINT or SIGTERM.
//
//	echoserver -addr :9000 -loops 4 -redis localhost:6379
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cyberinferno/go-reactor/buffer"
	"github.com/cyberinferno/go-reactor/cacher"
	"github.com/cyberinferno/go-reactor/eventloop"
	"github.com/cyberinferno/go-reactor/logger"
	"github.com/cyberinferno/go-reactor/tcpserver"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	loops := flag.Int("loops", runtime.NumCPU(), "number of I/O loops")
	reusePort := flag.Bool("reuseport", false, "set SO_REUSEPORT on the listener")
	redisAddr := flag.String("redis", "", "redis address for connection history; empty keeps it in memory")
	logDir := flag.String("logdir", "", "write daily rotated logs here instead of stdout")
	debug := flag.Bool("debug", false, "log every connection")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}

	log := logger.NewWriterLogger(os.Stdout, "echoserver", level)
	if *logDir != "" {
		fileLog, err := logger.NewZerologFileLogger("echoserver", *logDir, level)
		if err != nil {
			log.Error("open log directory failed", logger.Err(err))
			os.Exit(1)
		}
		log = fileLog
	}
	defer log.Close()

	if err := run(*addr, *loops, *reusePort, *redisAddr, log); err != nil {
		log.Error("echoserver failed", logger.Err(err))
		os.Exit(1)
	}
}

func run(addr string, loops int, reusePort bool, redisAddr string, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history, closeHistory := newHistory(redisAddr)
	defer closeHistory()

	loop, err := eventloop.New(eventloop.WithName("base"), eventloop.WithLogger(log))
	if err != nil {
		return err
	}

	cfg := tcpserver.DefaultConfig("echo", addr)
	cfg.NumLoops = loops
	cfg.ReusePort = reusePort

	srv, err := tcpserver.NewTCPServer(loop, cfg, log,
		tcpserver.WithHistory(history),
		tcpserver.WithConnectionCallback(func(conn *tcpserver.TCPConnection) {
			if conn.Connected() {
				return
			}
			stats := conn.Stats()
			log.Debug("connection closed",
				logger.Field{Key: "conn", Value: conn.Name()},
				logger.Field{Key: "bytes_read", Value: stats.BytesRead},
				logger.Field{Key: "bytes_written", Value: stats.BytesWritten},
			)
		}),
		tcpserver.WithMessageCallback(func(conn *tcpserver.TCPConnection, buf *buffer.Buffer, _ time.Time) {
			conn.SendBuffer(buf)
		}),
		tcpserver.WithHighWaterMarkCallback(func(conn *tcpserver.TCPConnection, queued int) {
			log.Warn("peer is not reading, dropping it",
				logger.Field{Key: "conn", Value: conn.Name()},
				logger.Field{Key: "queued", Value: queued},
			)
			conn.ForceClose()
		}),
	)
	if err != nil {
		return errors.Join(err, loop.Close())
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(context.Background()) }()

	if err := srv.Start(ctx); err != nil {
		loop.Quit()
		return errors.Join(err, <-loopDone, loop.Close())
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{srv.Stop(stopCtx)}
	loop.Quit()
	errs = append(errs, <-loopDone, loop.Close())

	return errors.Join(errs...)
}

func newHistory(redisAddr string) (cacher.Cacher[tcpserver.ConnectionRecord], func()) {
	if redisAddr == "" {
		return cacher.NewMemoryCacher[tcpserver.ConnectionRecord](10*time.Minute, time.Minute), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return cacher.NewRedisCacher[tcpserver.ConnectionRecord](client, "echoserver:closed"), func() { _ = client.Close() }
}
