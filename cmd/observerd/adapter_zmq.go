//go:build zmq

package main

import (
	"log"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/cluster/zmqadapter"
	"github.com/flitsinc/go-observation/internal/config"
)

func zmqFactory(cfg config.Config, nodeID string, logger *log.Logger) (cluster.AdapterFactory, error) {
	return zmqadapter.Factory(zmqadapter.Options{
		Node:              nodeID,
		Bind:              cfg.ZMQBind,
		Peers:             cfg.ZMQPeers,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MemberTimeout:     cfg.MemberTimeout,
		Logger:            logger,
	}), nil
}
