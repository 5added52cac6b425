package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/canmodule"
	"github.com/samsamfire/canmodule/pkg/can"
	_ "github.com/samsamfire/canmodule/pkg/can/virtual"
	"github.com/samsamfire/canmodule/pkg/config"
	"github.com/samsamfire/canmodule/pkg/heartbeat"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/samsamfire/canmodule/pkg/syncwindow"
	log "github.com/sirupsen/logrus"
)

const heartbeatSlot = 0

func main() {
	// Command line arguments
	configPath := flag.String("c", "", "driver configuration file (ini)")
	canInterface := flag.String("i", "", "bus interface e.g. socketcan, socketcanv3, virtualcan")
	channel := flag.String("ch", "", "bus channel e.g. can0, localhost:18888")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	conf := config.Default()
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("[MAIN] failed to load configuration %v : %v", *configPath, err)
		}
	}
	if *canInterface != "" {
		conf.Interface = *canInterface
	}
	if *channel != "" {
		conf.Channel = *channel
	}

	if conf.LinkUp {
		if err := bringUp(conf.Channel, conf.Bitrate); err != nil {
			log.Fatalf("[MAIN] failed to bring %v up : %v", conf.Channel, err)
		}
	}

	if err := run(conf); err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
}

func run(conf *config.Config) error {
	bus, err := can.NewBus(conf.Interface, conf.Channel, conf.Bitrate)
	if err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	ctrl, err := irq.NewController(conf.IRQ)
	if err != nil {
		return err
	}
	m, err := canmodule.New(bus, ctrl, conf.Module)
	if err != nil {
		return err
	}
	defer m.Close()

	producer, err := heartbeat.NewProducer(m, heartbeatSlot, conf.Heartbeat.NodeId, conf.Heartbeat.ProducerTime)
	if err != nil {
		return err
	}
	var consumer *heartbeat.Consumer
	if len(conf.Heartbeat.MonitoredNodes) > 0 {
		consumer, err = heartbeat.NewConsumer(m, nil, conf.Heartbeat.MonitoredNodes, 3*conf.Heartbeat.ProducerTime/2,
			func(event uint8, index uint8, nodeId uint8, nmtState uint8) {
				log.Infof("[MAIN] heartbeat event %v from node x%x, state %v", event, nodeId, nmtState)
			})
		if err != nil {
			return err
		}
	}
	sync, err := syncwindow.New(m, nil, conf.Sync.CobId, conf.Sync.WindowLength)
	if err != nil {
		return err
	}
	if err := m.SetNormalMode(); err != nil {
		return err
	}
	producer.SetState(heartbeat.StateOperational)

	// Heartbeat is produced from the timer interrupt, like a real-time thread
	timer := m.NewTimer(conf.TimerPeriod, func(isr *irq.Context) {
		if err := producer.ProcessFrom(isr, time.Now()); err != nil {
			log.Warnf("[MAIN] heartbeat not sent : %v", err)
		}
	})
	timer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("[MAIN] running on %v (%v), node x%x", conf.Channel, conf.Interface, conf.Heartbeat.NodeId)

	ticker := time.NewTicker(conf.TimerPeriod)
	defer ticker.Stop()
	lastStatus := m.ErrorStatus()
	for {
		select {
		case <-ctx.Done():
			log.Info("[MAIN] shutting down")
			m.SetConfigurationMode()
			stats := m.Stats()
			log.Infof("[MAIN] rx %v (dropped %v), tx %v (failed %v)", stats.RxFrames, stats.RxDropped, stats.TxFrames, stats.TxFailures)
			return nil
		case now := <-ticker.C:
			sync.Process(now)
			if consumer != nil {
				consumer.Process(now)
			}
			m.Process()
			if status := m.ErrorStatus(); status != lastStatus {
				log.Warnf("[MAIN] bus status %v", status)
				lastStatus = status
			}
		}
	}
}
