// Command swarmd downloads a single torrent to a destination directory,
// tearing down once every piece has been verified on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/nullseed/swarmd/internal/clientid"
	"github.com/nullseed/swarmd/internal/files"
	"github.com/nullseed/swarmd/internal/scheduler"
	"github.com/nullseed/swarmd/internal/swarmerr"
	"github.com/nullseed/swarmd/internal/tracker"
	"github.com/nullseed/swarmd/pkg/metainfo"
	"github.com/nullseed/swarmd/pkg/peerconn"
)

const statsLogInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	torrentPath := flag.String("torrent", "", "path to a .torrent metainfo file")
	destination := flag.String("destination", ".", "directory to download into")
	port := flag.Int("port", 6881, "TCP port to listen on for inbound peer connections")
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: swarmd -torrent <file> [-destination <dir>] [-port <n>]")
		return 1
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmd: building logger:", err)
		return 1
	}
	defer log.Sync()

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		err = swarmerr.Wrap(err, swarmerr.MetainfoNotFound, "reading metainfo file")
		log.Error("reading metainfo file", zap.Error(err), zap.String("path", *torrentPath))
		return 1
	}

	m, err := metainfo.Open(data)
	if err != nil {
		err = swarmerr.Wrap(err, swarmerr.MetainfoCorrupt, "parsing metainfo file")
		log.Error("parsing metainfo file", zap.Error(err))
		return 1
	}

	fileMgr, err := files.Open(*destination, m)
	if err != nil {
		log.Error("preparing destination", zap.Error(err), zap.String("destination", *destination))
		return 1
	}

	id, err := clientid.Generate()
	if err != nil {
		log.Error("generating client id", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	sched := scheduler.New(m, fileMgr, id, scheduler.Config{Logger: log})

	trackerMgr := tracker.NewManager(m.Announce, m.AnnounceList, m.InfoHash, id, int64(m.Length), uint16(*port), log)
	trackerMgr.OnPeers(sched.UpdatePeers)
	trackerMgr.SetStatsSource(sched.Stats)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Warn("could not open inbound listener, downloading without serving uploads", zap.Error(err))
	} else {
		defer listener.Close()
		go acceptInbound(ctx, listener, id, m, sched, log)
	}

	go trackerMgr.Run(ctx)
	sched.Start(ctx)
	defer sched.Shutdown()

	go logStats(ctx, sched, log)

	log.Info("starting download",
		zap.String("name", m.Name),
		zap.String("infohash", m.InfoHash.String()),
		zap.Int("pieces", m.NumPieces()))

	if err := sched.Download(ctx); err != nil {
		trackerMgr.Stop(context.Background())
		if ctx.Err() != nil {
			log.Info("download interrupted")
			return 0
		}
		log.Error("download failed", zap.Error(err))
		return 1
	}

	trackerMgr.Complete(context.Background())
	log.Info("download complete")
	return 0
}

// acceptInbound serves incoming peer connections for the single torrent
// being downloaded, handing each completed handshake to the scheduler's
// upload path.
func acceptInbound(ctx context.Context, listener net.Listener, id [20]byte, m *metainfo.Metainfo, sched *scheduler.Scheduler, log *zap.Logger) {
	known := map[[20]byte]int{m.InfoHash: m.NumPieces()}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug("accept failed", zap.Error(err))
			continue
		}

		go func() {
			peerConn, err := peerconn.Accept(conn, id, known, log)
			if err != nil {
				log.Debug("inbound handshake failed", zap.Error(err))
				conn.Close()
				return
			}
			sched.AdoptConnection(peerConn)
			peerConn.Serve(ctx)
		}()
	}
}

func logStats(ctx context.Context, sched *scheduler.Scheduler, log *zap.Logger) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := sched.Stats()
			log.Info("progress",
				zap.Int64("downloaded", s.Downloaded),
				zap.Int64("uploaded", s.Uploaded),
				zap.Int64("left", s.Left),
				zap.Int("connected", s.Connected),
				zap.Int("interesting", s.Interesting),
				zap.Bool("complete", s.Complete()))
		}
	}
}
