package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/monitoring"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

// Version information
const (
	Version = api.Version
	Name    = "HieraChain-BFT"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	keygen := flag.Bool("keygen", false, "Generate a node keypair and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	switch {
	case *showVersion:
		fmt.Printf("%s v%s\n", Name, Version)
		return
	case *keygen:
		if err := generateKeys(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Node failed")
	}
}

func generateKeys() error {
	kp, err := consensus.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Printf("seed:       %s\n", hex.EncodeToString(kp.Seed()))
	fmt.Printf("public_key: %s\n", hex.EncodeToString(kp.PublicKey()))
	return nil
}

func run(cfg *Config, log *logrus.Logger) error {
	entry := log.WithField("node", cfg.NodeID)
	entry.WithFields(logrus.Fields{"version": Version, "nodes": cfg.Nodes, "f": cfg.F}).Info("Starting replica")

	keys, registry, err := cfg.LoadKeys()
	if err != nil {
		return err
	}

	netSvc := network.NewNetworkService(network.NetworkConfig{
		NodeID: cfg.NodeID,
		Host:   cfg.Host,
		Port:   cfg.Port,
		Peers:  cfg.PeerAddresses(),
	}, log)
	if err := netSvc.Start(); err != nil {
		return err
	}
	defer netSvc.Stop()

	n, err := node.New(cfg.NodeConfig(), keys, registry, netSvc, newKVStore(), node.WithLogger(log))
	if err != nil {
		return err
	}
	defer n.Close()
	n.OnCommit(func(req *consensus.Request, result []byte) {
		entry.WithFields(logrus.Fields{
			"client": req.ClientID,
			"ok":     result != nil,
		}).Debug("Committed request")
	})
	if err := n.Start(); err != nil {
		return err
	}

	metricsSrv := monitoring.NewMetricsServer(cfg.MetricsAddr, n.Metrics().Registry(), n.Health, log)
	if err := metricsSrv.StartAsync(); err != nil {
		return err
	}

	grpcSrv, err := api.NewGRPCServer(&api.ServerConfig{
		Address:        cfg.GRPCAddr,
		MaxRecvMsgSize: network.MaxNetworkMessageSize,
		MaxSendMsgSize: network.MaxNetworkMessageSize,
	}, n, n.Metrics(), log)
	if err != nil {
		return err
	}
	if err := grpcSrv.StartAsync(); err != nil {
		return err
	}

	auth := api.NewAuthenticator(api.AuthConfig{Enabled: cfg.AuthEnabled, Token: cfg.AuthToken})
	if auth.IsEnabled() && cfg.AuthToken == "" {
		entry.WithField("token", auth.GetToken()).Warn("Generated Arrow auth token")
	}
	arrowSrv := api.NewArrowServer(n, auth, log)
	if err := arrowSrv.StartAsync(cfg.ArrowAddr); err != nil {
		grpcSrv.Stop()
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	entry.Info("Shutting down")
	arrowSrv.Stop()
	grpcSrv.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Stop(ctx); err != nil {
		entry.WithError(err).Warn("Metrics server shutdown failed")
	}
	n.Stop()
	return nil
}
