package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/guacscanner/guacscanner/pkg/connection"
	"github.com/guacscanner/guacscanner/pkg/coordinator"
	"github.com/guacscanner/guacscanner/pkg/inventory"
	"github.com/guacscanner/guacscanner/pkg/metrics"
	"github.com/guacscanner/guacscanner/pkg/reconcile"
	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type postgresSettings struct {
	host     string
	port     int
	database string
	username string
	password string
	sslMode  string
}

// dsn renders a lib/pq key/value connection string.
func (p postgresSettings) dsn() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		dsnQuote(p.host), p.port, dsnQuote(p.database), dsnQuote(p.username), dsnQuote(p.password), dsnQuote(p.sslMode))
}

func dsnQuote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

type settings struct {
	vpcID          string
	region         string
	tags           map[string]string
	skipImages     []*regexp.Regexp
	sleep          time.Duration
	oneshot        bool
	dryRun         bool
	namespace      connection.Namespace
	gatewayUser    string
	policy         retry.Policy
	metricsAddress string
	session        inventory.SessionOptions
	postgres       postgresSettings
	credentials    connection.Credentials
}

// loadSettings resolves and validates every setting once, before any cycle.
func loadSettings(r resolver) (settings, error) {
	var (
		s   settings
		err error
	)

	s.vpcID = r.getStringValue("vpc-id")
	if s.vpcID != "" && !inventory.ValidNetworkID(s.vpcID) {
		return s, configErrorf("invalid VPC id %q", s.vpcID)
	}
	s.region = r.getStringValue("region")

	if s.tags, err = inventory.ParseTags(r.getStringsValue("tag")); err != nil {
		return s, &ConfigurationError{Err: err}
	}
	if s.skipImages, err = inventory.CompileSkipImages(r.getStringsValue("ami-skip-regex")); err != nil {
		return s, &ConfigurationError{Err: err}
	}

	if s.sleep, err = r.getDurationValue("sleep"); err != nil {
		return s, err
	}
	if s.sleep <= 0 {
		return s, configErrorf("--sleep must be positive, got %s", s.sleep)
	}
	s.oneshot = r.getBoolValue("oneshot")
	s.dryRun = r.getBoolValue("dry-run")

	if s.namespace, err = connection.NewNamespace(r.getStringValue("prefix")); err != nil {
		return s, &ConfigurationError{Err: err}
	}
	if s.gatewayUser = strings.TrimSpace(r.getStringValue("gateway-user")); s.gatewayUser == "" {
		return s, configErrorf("--gateway-user must not be empty")
	}

	retries, err := r.getIntValue("retries")
	if err != nil {
		return s, err
	}
	if retries < 1 {
		return s, configErrorf("--retries must be at least 1, got %d", retries)
	}
	timeout, err := r.getDurationValue("timeout")
	if err != nil {
		return s, err
	}
	s.policy = retry.DefaultPolicy()
	s.policy.MaxAttempts = uint(retries)
	s.policy.Timeout = timeout

	s.metricsAddress = r.getStringValue("metrics-address")

	s.session = inventory.SessionOptions{
		Region:          s.region,
		AccessKeyID:     r.getStringValue("aws-access-key-id"),
		SecretAccessKey: r.getStringValue("aws-secret-access-key"),
		SessionToken:    r.getStringValue("aws-session-token"),
	}

	s.postgres = postgresSettings{
		host:     r.getStringValue("postgres-host"),
		database: r.getStringValue("postgres-db"),
		sslMode:  r.getStringValue("postgres-sslmode"),
	}
	if s.postgres.port, err = r.getIntValue("postgres-port"); err != nil {
		return s, err
	}

	values := map[string]string{}
	for _, name := range secrets {
		if values[name], err = r.getSecret(name); err != nil {
			return s, err
		}
	}
	s.postgres.username = values["postgres-username"]
	s.postgres.password = values["postgres-password"]
	s.credentials = connection.Credentials{
		VNCUsername:   values["vnc-username"],
		VNCPassword:   values["vnc-password"],
		RDPUsername:   values["rdp-username"],
		RDPPassword:   values["rdp-password"],
		PrivateSSHKey: values["private-ssh-key"],
	}
	return s, nil
}

// discoverNetwork fills in the VPC, and the region when unset, from the
// metadata of the instance we run on.
func discoverNetwork(ctx context.Context, s *settings) error {
	md, err := inventory.NewMetadata()
	if err != nil {
		return configError(err, "unable to query instance metadata")
	}
	if s.session.Region == "" {
		region, err := inventory.DiscoverRegion(ctx, md)
		if err != nil {
			return configError(err, "no VPC id given and unable to discover it")
		}
		s.session.Region = region
	}
	sess, err := inventory.NewSession(s.session)
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	vpcID, err := inventory.DiscoverNetwork(ctx, md, ec2.New(sess))
	if err != nil {
		if inventory.IsAuth(err) {
			return err
		}
		return configError(err, "no VPC id given and unable to discover it")
	}
	s.vpcID = vpcID
	return nil
}

func scan(ctx context.Context, s settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if s.vpcID == "" {
		if err := discoverNetwork(startupCtx, &s); err != nil {
			return err
		}
	}
	sess, err := inventory.NewSession(s.session)
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	logger := log.WithFields(log.Fields{"network": s.vpcID, "region": *sess.Config.Region})

	store, err := connection.Open(startupCtx, connection.Options{
		DSN:       s.postgres.dsn(),
		Namespace: s.namespace,
		Policy:    s.policy,
	})
	if err != nil {
		return configError(err, "gateway database is unreachable")
	}
	defer store.Close()

	if !s.dryRun {
		entityID, err := store.EnsureUser(startupCtx, s.gatewayUser)
		if err != nil {
			return configError(err, "unable to set up gateway user "+s.gatewayUser)
		}
		store.GrantTo(entityID)
	}

	source := inventory.NewEC2Source(ec2.New(sess), inventory.Filter{
		NetworkID:  s.vpcID,
		Tags:       s.tags,
		SkipImages: s.skipImages,
	}, s.policy)
	reconciler := reconcile.New(store, connection.Template{Namespace: s.namespace, Credentials: s.credentials})
	reconciler.DryRun = s.dryRun
	recorder := metrics.NewRecorder()

	coord, err := coordinator.New(coordinator.Options{
		Network:    s.vpcID,
		Source:     source,
		Reconciler: reconciler,
		Locker:     store.Locker(),
		Interval:   s.sleep,
		Recorder:   recorder,

		ReleaseTimeout: s.policy.Timeout,
	})
	if err != nil {
		return &ConfigurationError{Err: err}
	}

	if s.oneshot {
		logger.Info("Running a single cycle")
		return oneshotResult(coord.RunOnce(ctx))
	}

	logger.WithField("interval", s.sleep).Info("Starting scanner")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if s.metricsAddress != "" {
		g.Go(func() error {
			return recorder.Serve(gctx, s.metricsAddress)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "scanner stopped")
	}
	return nil
}
