package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"uwbpgo/config"
	"uwbpgo/coordinator"
	"uwbpgo/geometry"
	"uwbpgo/ingest"
	"uwbpgo/model"
	"uwbpgo/wsview"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to coordinator config YAML")
	httpPort := flag.Int("http", 0, "Debug HTTP/WebSocket port (e.g. 8080). 0 uses web.port from the config (default 8080).")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		log.Fatalf("config file not found at %s", *configPath)
	}

	log.Println("Loading configuration...")
	cfgFile, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	geo, err := geometry.New(cfgFile.GeometryConfig())
	if err != nil {
		log.Fatalf("Failed to build anchor geometry: %v", err)
	}

	coord := coordinator.New(geo, cfgFile.CoordinatorCfg())

	router := ingest.NewRouter(geo, coord, model.TagID(cfgFile.DefaultTag))

	busCfg := ingest.BusConfig{
		Host:      cfgFile.Bus.Host,
		Port:      cfgFile.Bus.Port,
		BaseTopic: cfgFile.Bus.BaseTopic,
		ClientID:  cfgFile.Bus.ClientID,
	}
	bus := ingest.NewBus(busCfg, router)
	if err := bus.Connect(); err != nil {
		log.Fatalf("Failed to connect to message bus: %v", err)
	}
	defer bus.Disconnect()

	publisher := ingest.NewPublisher(bus.Client(), cfgFile.Bus.BaseTopic)
	go runPublisher(coord, publisher)

	if *httpPort > 0 {
		webSvr := wsview.NewServer(coord)
		go webSvr.Start(*httpPort)
		defer webSvr.Stop()
	} else if cfgFile.Web.Port > 0 {
		webSvr := wsview.NewServer(coord)
		go webSvr.Start(cfgFile.Web.Port)
		defer webSvr.Stop()
	}

	coord.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	coord.Stop()
}

// runPublisher forwards every successful solve to the outbound
// position topic for the life of the process; the coordinator never
// closes its subscriber channels.
func runPublisher(coord *coordinator.Coordinator, pub *ingest.Publisher) {
	for u := range coord.Subscribe() {
		pub.Publish(ingest.PositionUpdate{
			TagID:              u.TagID,
			X:                  u.Position.X,
			Y:                  u.Position.Y,
			Z:                  u.Position.Z,
			TimestampSec:       float64(u.Timestamp),
			ResidualNorm:       u.Quality.ResidualNorm,
			Converged:          u.Quality.Converged,
			NumAnchorEdgesUsed: u.Quality.NumAnchorEdgesUsed,
		})
	}
}
