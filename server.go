package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/RocketWill/ByteWhisperer/adhoc"
	"github.com/RocketWill/ByteWhisperer/api"
	"github.com/RocketWill/ByteWhisperer/config"
	"github.com/RocketWill/ByteWhisperer/engine"
	proto "github.com/RocketWill/ByteWhisperer/gRPC"
	"github.com/RocketWill/ByteWhisperer/images"
	"github.com/RocketWill/ByteWhisperer/logger"
	"github.com/RocketWill/ByteWhisperer/monitor"
	"github.com/RocketWill/ByteWhisperer/service"
	"github.com/RocketWill/ByteWhisperer/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const processSampleInterval = 5 * time.Second

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	cpuNum := runtime.NumCPU()
	log.Info("starting server",
		zap.Int("cpuCores", cpuNum),
		zap.Int("workers", cfg.Server.WorkersNum),
		zap.Int("rpcPort", cfg.Server.RPCPort),
		zap.Int("httpPort", cfg.Server.HTTPPort),
		zap.Int("adhocPort", cfg.Server.AdhocPort),
	)
	if cfg.Server.WorkersNum > cpuNum {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation")
	}

	names, err := cfg.Names()
	if err != nil {
		return fmt.Errorf("failed to load class names: %w", err)
	}

	mgr, err := engine.Open(cfg.Backend, log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	engines, err := createEngines(mgr, cfg, names)
	if err != nil {
		return err
	}
	if cfg.Server.Warmup {
		blank, err := images.Blank(cfg.Detector.InpWidth, cfg.Detector.InpHeight)
		if err != nil {
			return err
		}
		if err := engine.Warmup(engines, blank, log); err != nil {
			log.Warn("warm-up failed", zap.Error(err))
		}
	}
	pool := engine.NewPool(engines, cfg.Detector.MaxDetections, log)
	defer pool.Close()

	mon, err := monitor.New()
	if err != nil {
		return err
	}

	var history *store.RunRepository
	if cfg.History.Enabled {
		s, err := store.New(cfg.History.Path)
		if err != nil {
			return err
		}
		defer s.Close()
		history = s.Runs()
	}

	detector := &service.Detector{
		Runner:  pool,
		Backend: mgr.Backend(),
		Names:   names,
		Monitor: mon,
		History: history,
		Log:     log,
	}
	rpc := proto.NewServer(detector, mgr, mon, log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-rpc.Done():
			stop()
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		return proto.Serve(ctx, proto.NewGRPCServer(rpc, log), cfg.Server.RPCPort, log)
	})
	g.Go(func() error {
		router := api.NewRouter(api.Options{
			Detector: detector,
			Engines:  mgr,
			History:  history,
			Monitor:  mon,
			Log:      log,
		})
		return api.Serve(ctx, router, cfg.Server.HTTPPort, log)
	})
	g.Go(func() error {
		return mon.Serve(ctx, cfg.Server.AdhocPort, log)
	})
	g.Go(func() error {
		mon.Run(ctx, processSampleInterval)
		return nil
	})
	if cfg.Server.UseRegServer {
		hb, err := newHeartbeat(cfg, mgr.Backend(), log)
		if err != nil {
			return err
		}
		g.Go(func() error { return hb.Run(ctx) })
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	err = g.Wait()
	log.Info("server stopped", zap.Error(err))
	return err
}

func createEngines(mgr *engine.Manager, cfg config.Config, names []string) ([]*engine.Engine, error) {
	engines := make([]*engine.Engine, 0, cfg.Server.WorkersNum)
	for i := 0; i < cfg.Server.WorkersNum; i++ {
		e, err := mgr.Create(cfg.Detector.Config)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		e.SetNames(names)
		engines = append(engines, e)
	}
	return engines, nil
}

func newHeartbeat(cfg config.Config, backend string, log *zap.Logger) (*adhoc.Heartbeat, error) {
	ip := cfg.Server.AdvertiseIP
	if ip == "" {
		var err error
		if ip, err = adhoc.GetOutboundIP(); err != nil {
			return nil, fmt.Errorf("failed to get outbound IP: %w", err)
		}
	}
	node := adhoc.Node{
		IP:            ip,
		RPCPort:       cfg.Server.RPCPort,
		HTTPPort:      cfg.Server.HTTPPort,
		InstanceClass: adhoc.InstanceClassOf(cfg.Server.InstanceClass),
		Backend:       backend,
		Workers:       cfg.Server.WorkersNum,
	}
	return adhoc.NewHeartbeat(cfg.Server.RegServerHost, cfg.Server.RegServerPort, node, log), nil
}
