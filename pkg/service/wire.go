//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/livekit/svc-forwarder/pkg/config"
)

func InitializeReplay(conf *config.Config) (*Replay, error) {
	wire.Build(
		ServiceSet,
	)
	return &Replay{}, nil
}
