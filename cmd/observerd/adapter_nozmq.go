//go:build !zmq

package main

import (
	"errors"
	"log"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/config"
)

func zmqFactory(config.Config, string, *log.Logger) (cluster.AdapterFactory, error) {
	return nil, errors.New("zmq adapter not built in: rebuild with -tags zmq")
}
