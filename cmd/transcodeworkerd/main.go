// Command transcodeworkerd is the media transcoding job server: it speaks
// newline-delimited JSON on stdin/stdout and orchestrates ffmpeg and
// camera-RAW bridge subprocesses on the caller's behalf.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"transcode-worker/internal/config"
	"transcode-worker/internal/hostinfo"
	"transcode-worker/internal/ipc"
	"transcode-worker/internal/scheduler"
	"transcode-worker/pkg/protocol"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	flags := pflag.NewFlagSet("transcodeworkerd", pflag.ExitOnError)
	config.RegisterFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	probe := hostinfo.NewProbe(cfg.FFmpegPath)
	if caps, err := probe.Capabilities(context.Background()); err != nil {
		log.Printf("hardware capability probe failed, proceeding software-only: %v", err)
	} else {
		log.Printf("hardware capabilities: vaapi=%v nvenc=%v", caps.VAAPI, caps.NVENC)
	}

	if stats, err := hostinfo.CurrentStats(context.Background()); err != nil {
		log.Printf("host stats probe failed: %v", err)
	} else {
		log.Printf("host load at startup: cpu=%.1f%% ram=%.1f%%", stats.CPUPercent, stats.RAMPercent)
	}

	rootCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown()
	}()

	responses := make(chan protocol.Response, 256)

	sched := scheduler.New(rootCtx, cfg.FFmpegPath, responses, cfg.MaxParallel)
	schedDone := make(chan struct{})
	go func() {
		sched.Run()
		close(schedDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		ipc.WriteLoop(os.Stdout, responses)
		close(writerDone)
	}()

	go ipc.ReadLoop(rootCtx, os.Stdin, sched, responses, shutdown)

	<-rootCtx.Done()
	// sched.Run() only returns once every in-flight worker has finished
	// emitting its terminal event, so it is safe to close responses (the
	// writer's sole input) only after this completes. A 5s ceiling bounds
	// how long a hung subprocess can delay shutdown.
	select {
	case <-schedDone:
	case <-time.After(ipc.GracefulShutdownCeiling):
		log.Printf("graceful shutdown ceiling reached, aborting outright")
		os.Exit(1)
	}
	close(responses)
	<-writerDone

	log.Printf("transcodeworkerd shut down")
}
