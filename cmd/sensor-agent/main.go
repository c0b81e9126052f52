package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"discosat/internal/agent"
	"discosat/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	name := flag.String("name", "", "sensor name (overrides agent.sensorName, defaults to hostname)")
	flag.Parse()

	cfg := config.Load(*configPath)

	sensorName := cfg.Agent.SensorName
	if *name != "" {
		sensorName = *name
	}
	if sensorName == "" {
		sensorName, _ = os.Hostname()
	}
	if sensorName == "" {
		log.Fatal("no sensor name configured")
	}

	// 1. 连接 coordinator
	client := agent.NewHTTPClient(cfg.Agent.CoordinatorURL, cfg.Agent.Timeout())

	// 2. 初始化 Agent
	a := agent.NewAgent(sensorName, client,
		agent.SystemProbe(cfg.Agent.LocationLat, cfg.Agent.LocationLon),
		cfg.Agent.Interval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 启动 Agent
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// 4. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Println("Shutting down sensor agent...")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Fatalf("agent failed: %v", err)
		}
	}
}
