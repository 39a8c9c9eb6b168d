package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/leonunix/kbsync/internal/backend"
	"github.com/leonunix/kbsync/internal/blob"
	"github.com/leonunix/kbsync/internal/config"
	"github.com/leonunix/kbsync/internal/index"
	"github.com/leonunix/kbsync/internal/ingest"
	"github.com/leonunix/kbsync/internal/lock"
	"github.com/leonunix/kbsync/internal/runner"
	"github.com/leonunix/kbsync/internal/server"
	"github.com/leonunix/kbsync/internal/shared"
	"github.com/leonunix/kbsync/internal/status"
	"github.com/leonunix/kbsync/internal/store"
	"github.com/leonunix/kbsync/internal/util"
)

// app holds everything built from the configuration.
type app struct {
	cfg     *config.Config
	steps   server.Steps
	tenants *store.SQLiteStore
	sweeper runner.Sweeper
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	objects, err := a.blobStore(awsCfg)
	if err != nil {
		return err
	}

	tenants, err := store.OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	a.tenants = tenants
	a.closers = append(a.closers, tenants.Close)

	agent := bedrockagent.NewFromConfig(awsCfg, func(o *bedrockagent.Options) {
		if cfg.Index.Region != "" {
			o.Region = cfg.Index.Region
		}
	})
	idx, err := index.NewCachedClient(index.NewBedrockClient(agent), cfg.Index.CacheSize)
	if err != nil {
		return err
	}

	resolver, err := a.resolver(awsCfg)
	if err != nil {
		return err
	}

	propagatorOpts := []status.PropagatorOption{
		status.WithRetries(cfg.Status.Retries),
		status.WithRetryDelay(cfg.Status.RetryDelay),
	}
	if cfg.History.Enabled {
		hc := cfg.History.OpenSearch
		httpClient, err := util.NewHTTPClient(hc.TLSConfig)
		if err != nil {
			return fmt.Errorf("creating history HTTP client: %w", err)
		}
		history := status.NewOpenSearchHistoryStore(backend.NewOpenSearch(hc.URL, hc.Username, hc.Password, httpClient))
		propagatorOpts = append(propagatorOpts, status.WithHistory(history))
		slog.Info("sync history enabled", "opensearch", hc.URL)
	}

	a.steps = server.Steps{
		Locker:       lock.NewLocker(objects),
		Bootstrapper: shared.NewBootstrapper(tenants),
		Coordinator: shared.NewCoordinator(resolver, tenants,
			shared.WithSharedStack(cfg.Provisioning.SharedStackName),
			shared.WithDedicatedStackPrefix(cfg.Provisioning.DedicatedStackPrefix),
		),
		Ingester:   ingest.NewDispatcher(idx, ingest.NewPlanner(idx, cfg.Index.DocumentBucket)),
		Poller:     ingest.NewPoller(idx),
		Propagator: status.NewPropagator(tenants, propagatorOpts...),
	}
	return nil
}

func (a *app) blobStore(awsCfg aws.Config) (blob.Store, error) {
	cfg := a.cfg.Blob
	switch cfg.Backend {
	case "s3":
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			}
		})
		slog.Info("lock objects in s3", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
		return blob.NewS3Store(client, cfg.Bucket, cfg.Prefix), nil
	case "bolt":
		s, err := blob.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.sweeper = s
		slog.Info("lock objects in bolt", "path", cfg.BoltPath)
		return s, nil
	case "opensearch":
		httpClient, err := util.NewHTTPClient(cfg.OpenSearch.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("creating blob HTTP client: %w", err)
		}
		client := backend.NewOpenSearch(cfg.OpenSearch.URL, cfg.OpenSearch.Username, cfg.OpenSearch.Password, httpClient)
		slog.Info("lock objects in opensearch", "url", cfg.OpenSearch.URL)
		return blob.NewOpenSearchStore(client, cfg.LockTTL), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func (a *app) resolver(awsCfg aws.Config) (shared.Resolver, error) {
	cfg := a.cfg.Provisioning
	switch cfg.Backend {
	case "cloudformation":
		client := cloudformation.NewFromConfig(awsCfg, func(o *cloudformation.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			}
		})
		return shared.NewStackResolver(client), nil
	case "static":
		return shared.StaticResolver(cfg.StaticOutputs), nil
	default:
		return nil, fmt.Errorf("unknown provisioning backend %q", cfg.Backend)
	}
}

func (a *app) runner() *runner.Runner {
	rc := a.cfg.Runner
	opts := []runner.Option{
		runner.WithLockName(rc.LockName),
		runner.WithPollInterval(rc.PollInterval),
		runner.WithParallelism(rc.Parallelism),
		runner.WithTenantPatterns(rc.Tenants),
	}
	if rc.Owner != "" {
		opts = append(opts, runner.WithOwner(rc.Owner))
	}
	if a.sweeper != nil {
		opts = append(opts, runner.WithSweeper(a.sweeper, a.cfg.Blob.LockTTL))
	}
	return runner.New(a.steps, opts...)
}
