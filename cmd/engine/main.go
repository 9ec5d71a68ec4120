package main

import (
	"context"
	"fmt"
	"os"

	"github.com/flowcore/engine/internal/api"
	"github.com/flowcore/engine/internal/api/ws"
	"github.com/flowcore/engine/internal/bootstrap"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap engine: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	go components.Hub.Run()

	subscriber := ws.NewRedisSubscriber(components.Redis, components.Hub, components.Logger)
	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	go subscriber.Start(subCtx)

	e := api.NewRouter(components.Router)

	port := components.Config.Service.Port
	components.Logger.Info("starting engine", "port", port)
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
