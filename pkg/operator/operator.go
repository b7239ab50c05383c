/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/go-logr/zapr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	rescache "github.com/gpu-dev/reservoir/pkg/cache"
	"github.com/gpu-dev/reservoir/pkg/controllers"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
	"github.com/gpu-dev/reservoir/pkg/providers/imagebuild"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// Operator holds everything the controller binary wires at startup: the
// controller manager, the store behind the reservation state and work queue,
// and the providers the controllers act through.
type Operator struct {
	Manager             manager.Manager
	KubernetesInterface kubernetes.Interface
	Clock               clock.Clock

	Config             aws.Config
	Pool               *pgxpool.Pool
	Store              *store.Client
	ClusterProvider    cluster.Provider
	VolumeProvider     volume.Provider
	SandboxProvider    sandbox.Provider
	ImageBuildProvider imagebuild.Provider
}

// NewOperator parses options, sets up logging, and dials every external
// system the controllers depend on. Failures here are fatal; the binary has
// nothing useful to do without its store or its cluster.
func NewOperator() (context.Context, *Operator) {
	ctx := controllerruntime.SetupSignalHandler()
	opts := options.New().MustParse()
	ctx = options.ToContext(ctx, opts)

	logger := zapr.NewLogger(newZapLogger(opts.LogLevel))
	controllerruntime.SetLogger(logger)
	klog.SetLogger(logger)

	restConfig := controllerruntime.GetConfigOrDie()
	restConfig.QPS = float32(opts.KubeClientQPS)
	restConfig.Burst = opts.KubeClientBurst
	kubernetesInterface := kubernetes.NewForConfigOrDie(restConfig)

	mgr, err := controllerruntime.NewManager(restConfig, controllerruntime.Options{
		Logger:                        logger,
		Scheme:                        scheme.Scheme,
		LeaderElection:                !opts.DisableLeaderElection,
		LeaderElectionID:              "reservoir-leader-election",
		LeaderElectionReleaseOnCancel: true,
		HealthProbeBindAddress:        fmt.Sprintf(":%d", opts.HealthProbePort),
		Metrics: metricsserver.Options{
			BindAddress: fmt.Sprintf(":%d", opts.MetricsPort),
		},
	})
	if err != nil {
		log.FromContext(ctx).Error(err, "creating controller manager")
		panic(err)
	}
	lo.Must0(mgr.AddHealthzCheck("healthz", healthz.Ping))
	lo.Must0(mgr.AddReadyzCheck("readyz", healthz.Ping))

	cfg := lo.Must(config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region)))
	if cfg.Region == "" {
		log.FromContext(ctx).V(1).Info("retrieving region from IMDS")
		cfg.Region = lo.Must(imds.NewFromConfig(cfg).GetRegion(ctx, nil)).Region
	}
	ec2api := ec2.NewFromConfig(cfg)
	lo.Must0(checkEC2Connectivity(ctx, ec2api), "ec2 api connectivity check failed")
	log.FromContext(ctx).WithValues("region", cfg.Region).V(1).Info("discovered region")

	pool := lo.Must(store.NewPool(ctx, opts.DatabaseURL))
	storeClient := store.NewClient(pool, opts.QueueName, clock.RealClock{})
	lo.Must0(storeClient.Migrate(ctx), "migrating schema")
	lo.Must0(mgr.AddHealthzCheck("database", func(req *http.Request) error { return pool.Ping(req.Context()) }))

	clusterProvider := cluster.NewDefaultProvider(kubernetesInterface, restConfig,
		cache.New(rescache.NodeTTL, rescache.DefaultCleanupInterval))
	volumeProvider := volume.NewDefaultProvider(ec2api,
		cache.New(rescache.VolumeTTL, rescache.DefaultCleanupInterval))
	sandboxProvider := sandbox.NewDefaultProvider(clusterProvider, opts.SandboxNamespace, opts.DefaultImage)
	imageBuildProvider := imagebuild.NewDefaultProvider(clusterProvider, opts.SandboxNamespace)

	return ctx, &Operator{
		Manager:             mgr,
		KubernetesInterface: kubernetesInterface,
		Clock:               clock.RealClock{},
		Config:              cfg,
		Pool:                pool,
		Store:               storeClient,
		ClusterProvider:     clusterProvider,
		VolumeProvider:      volumeProvider,
		SandboxProvider:     sandboxProvider,
		ImageBuildProvider:  imageBuildProvider,
	}
}

func (o *Operator) WithControllers(ctx context.Context, cs ...controllers.Controller) *Operator {
	for _, c := range cs {
		lo.Must0(c.Register(ctx, o.Manager), "registering controller")
	}
	return o
}

// Start runs the manager until the context is cancelled, then closes the
// connection pool.
func (o *Operator) Start(ctx context.Context) {
	defer o.Pool.Close()
	lo.Must0(o.Manager.Start(ctx))
}

// checkEC2Connectivity makes a dry-run call so a misconfigured role fails
// loudly at startup rather than on the first disk operation.
func checkEC2Connectivity(ctx context.Context, api *ec2.Client) error {
	_, err := api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{DryRun: aws.Bool(true)})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "DryRunOperation" {
		return nil
	}
	return err
}

func newZapLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return lo.Must(cfg.Build())
}
