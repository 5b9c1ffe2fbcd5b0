package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/auth"
	"github.com/tokmz/qim/internal/authz"
	"github.com/tokmz/qim/internal/conf"
	"github.com/tokmz/qim/internal/directory"
	"github.com/tokmz/qim/internal/forward"
	"github.com/tokmz/qim/internal/realtime"
	"github.com/tokmz/qim/internal/server"
	"github.com/tokmz/qim/internal/store/mongostore"
	"github.com/tokmz/qim/internal/store/sqlstore"
	"github.com/tokmz/qim/internal/telemetry"
	"github.com/tokmz/qim/pkg/cache"
	"github.com/tokmz/qim/pkg/config"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/ratelimit"
	"github.com/tokmz/qim/pkg/tracing"
)

func version() string {
	return "qimd " + server.Version
}

// backend 存储后端需要同时服务引擎、权限与角色目录
type backend interface {
	realtime.Store
	authz.ParticipantChecker
	directory.RoleLookup
	Close(ctx context.Context) error
}

// closer 按注册的逆序释放资源
type closer []func(context.Context) error

func (c *closer) add(fn func(context.Context) error) { *c = append(*c, fn) }

func (c closer) close(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, configPath string, printConfig bool) (err error) {
	settings, err := conf.Load(configPath)
	if err != nil {
		return err
	}
	if printConfig {
		out, err := conf.Dump(settings)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	logCfg, err := settings.LoggerConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var res closer
	defer func() {
		if cerr := res.close(context.Background()); cerr != nil {
			log.Error("release resources failed", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
	}()

	tp, err := tracing.NewTracerProvider(ctx, &settings.Tracing)
	if err != nil {
		return err
	}
	res.add(tp.Shutdown)

	recorder, err := telemetry.New(settings.Tracing.ServiceName)
	if err != nil {
		return err
	}
	res.add(recorder.Shutdown)

	st, err := openStore(ctx, settings, log)
	if err != nil {
		return err
	}
	res.add(st.Close)

	c, err := cache.New(&settings.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	res.add(func(context.Context) error { return c.Close() })

	dir, err := directory.New(st, &settings.Directory, log)
	if err != nil {
		return err
	}
	az, err := authz.New(st, dir, settings.Realtime.ElevatedRoles, log)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(&settings.Auth)
	if err != nil {
		return err
	}

	sinks, err := openSinks(&settings.Forward)
	if err != nil {
		return err
	}
	dispatcher, err := forward.NewDispatcher(&settings.Forward, sinks, log, recorder)
	if err != nil {
		return err
	}
	res.add(dispatcher.Close)

	ledger := ratelimit.NewLedger(settings.RateTable())
	res.add(func(context.Context) error { ledger.Close(); return nil })

	manager, err := realtime.NewManager(realtime.Deps{
		Verifier:   verifier,
		Directory:  dir,
		Authorizer: az,
		Store:      st,
		Cache:      cache.NewTracing(c),
		Publisher:  dispatcher,
		Logger:     log,
		Metrics:    recorder,
	}, realtime.WithConfig(settings.RealtimeConfig()), realtime.WithLedger(ledger))
	if err != nil {
		return err
	}
	manager.Run(ctx)

	if configPath != "" {
		watcher, err := watch(configPath, conf.NewReloader(ledger, log))
		if err != nil {
			return err
		}
		res.add(func(context.Context) error { watcher.Close(); return nil })
	}

	srv, err := server.New(server.Options{
		Settings: settings.Server,
		WS:       &settings.WS,
		Manager:  manager,
		Recorder: recorder,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	log.Info("qimd starting",
		zap.String("version", server.Version),
		zap.String("store", settings.Store.Driver),
		zap.String("cache", string(settings.Cache.Driver)),
		zap.Int("forward_sinks", len(sinks)),
	)
	return srv.Run(ctx)
}

// watch 监控配置文件，变更后热更新限流表与日志级别
func watch(path string, r *conf.Reloader) (*config.Config, error) {
	_, watcher, err := conf.LoadAndWatch(path, r.Apply, r.Failed)
	return watcher, err
}

func openStore(ctx context.Context, s *conf.Settings, log logger.Logger) (backend, error) {
	switch s.Store.Driver {
	case conf.StoreMongo:
		return mongostore.New(ctx, &s.Store.Mongo, log)
	default:
		return sqlstore.New(ctx, &s.Store.SQL, log)
	}
}

func openSinks(cfg *forward.Config) ([]forward.Sink, error) {
	var sinks []forward.Sink
	if cfg.Kafka.Enabled {
		k, err := forward.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if cfg.AMQP.Enabled {
		a, err := forward.NewAMQPSink(cfg.AMQP)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, a)
	}
	return sinks, nil
}
