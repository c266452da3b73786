package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/xtreemfs/flease"
	"github.com/xtreemfs/flease/acceptor/filestore"
	"github.com/xtreemfs/flease/admin"
	"github.com/xtreemfs/flease/masterepoch"
	"github.com/xtreemfs/flease/stage"
	"github.com/xtreemfs/flease/transport"
	"google.golang.org/grpc"
)

func main() {
	config := LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cellStore, err := filestore.New(filepath.Join(config.DataDir, "cells"))
	if err != nil {
		log.Fatal(err)
	}
	epochStore, err := masterepoch.NewFileStore(filepath.Join(config.DataDir, "epochs"))
	if err != nil {
		log.Fatal(err)
	}

	sender := transport.NewGRPCTransport(ctx, config.Identity, transport.WithPeers(config.Peers))
	node, err := stage.New(config.fleaseConfig(), sender,
		stage.WithStore(cellStore),
		stage.WithLockDir(config.DataDir),
		stage.WithMasterEpochHandler(masterepoch.NewHandler(ctx, epochStore)),
		stage.WithStatusListener(flease.StatusFuncs{
			OnStatusChanged: func(cellID string, lease flease.Flease) {
				log.Printf("Lease changed: %v", lease)
			},
			OnLeaseFailed: func(cellID string, err error) {
				log.Printf("Lease of cell %s failed: %v", cellID, err)
			},
		}),
		stage.WithViewChangeListener(flease.ViewChangeFunc(func(cellID string, viewID int, onProposal bool) {
			log.Printf("Cell %s is outdated, newer view %d exists", cellID, viewID)
		})),
	)
	if err != nil {
		log.Fatal(err)
	}
	node.Start()
	if err := node.WaitForStartup(ctx); err != nil {
		log.Fatal(err)
	}

	for _, cellID := range config.Cells {
		future := node.OpenCell(cellID, config.acceptors(), config.RequestMasterEpoch, 0)
		go func(cellID string) {
			lease, err := future.Wait(ctx)
			if err != nil {
				log.Printf("Couldn't open cell %s: %v", cellID, err)
				return
			}
			log.Printf("Opened cell %s: %v", cellID, lease)
		}(cellID)
	}

	lis, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		log.Fatal(err)
	}
	s := grpc.NewServer()
	transport.RegisterReceiver(s, node)

	go func() {
		if err := http.ListenAndServe(config.HTTPAddress, admin.HTTPHandler(node)); err != nil {
			log.Fatal(err)
		}
	}()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		log.Printf("Shutting down")
		s.GracefulStop()
	}()

	if err := s.Serve(lis); err != nil {
		log.Fatal(err)
	}

	node.Shutdown()
	if err := node.WaitForShutdown(context.Background()); err != nil {
		log.Printf("Stage didn't stop: %v", err)
	}
}
