/*
Copyright 2023 The Kubernetes Authors.

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

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	// +kubebuilder:scaffold:imports
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/config"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	cdktsstackcontroller "github.com/awscdk-operator/cdk-ts-operator/internal/controller/cdktsstack"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/metrics"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/workspace"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(awscdkv1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

// nolint:gocyclo
func main() {
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var maxConcurrentReconciles int
	var tlsOpts []func(*tls.Config)

	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.IntVar(&maxConcurrentReconciles, "max-concurrent-reconciles", 4,
		"The maximum number of concurrent CdkTsStack reconciles.")
	opts := zap.Options{
		Development: os.Getenv("DEBUG_MODE") == "true",
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg := loadEnvConfig()

	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	webhookServer := webhook.NewServer(webhook.Options{TLSOpts: tlsOpts})

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr, SecureServing: secureMetrics, TLSOpts: tlsOpts},
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "cdktsstack.awscdk.dev",
		Controller: config.Controller{
			MaxConcurrentReconciles: maxConcurrentReconciles,
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	metricsOut, err := os.OpenFile(cfg.metricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		setupLog.Error(err, "unable to open metrics output path", "path", cfg.metricsPath)
		os.Exit(1)
	}

	runner := process.NewRunner(ctrl.Log.WithName("process"))

	reconciler := cdktsstackcontroller.NewReconciler(
		store.NewGateway(mgr.GetClient(), mgr.GetEventRecorderFor("cdktsstack-controller")),
		credentials.NewLoader(mgr.GetClient()),
		runner,
		hooks.NewExecutor(runner, ctrl.Log.WithName("hooks")),
		workspace.NewManager(mgr.GetClient(), ctrl.Log.WithName("workspace")),
		metrics.NewSink(metricsOut, cfg.metricsPrefix),
		cdktsstackcontroller.Config{
			DeployTimeout:     cfg.deployTimeout,
			CDKDefaultAccount: cfg.cdkDefaultAccount,
			NodeOptions:       cfg.nodeOptions,
		},
	)

	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "CdkTsStack")
		os.Exit(1)
	}

	if os.Getenv("ENABLE_WEBHOOKS") != "false" {
		if err := (&awscdkv1alpha1.CdkTsStack{}).SetupWebhookWithManager(mgr); err != nil {
			setupLog.Error(err, "unable to create webhook", "webhook", "CdkTsStack")
			os.Exit(1)
		}
	}
	// +kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.driftCheckCron, func() {
		reconciler.RunDriftSweep(context.Background())
	}); err != nil {
		setupLog.Error(err, "invalid DRIFT_CHECK_CRON expression", "expr", cfg.driftCheckCron)
		os.Exit(1)
	}
	if _, err := sched.AddFunc(cfg.gitSyncCheckCron, func() {
		reconciler.RunGitSyncSweep(context.Background())
	}); err != nil {
		setupLog.Error(err, "invalid GIT_SYNC_CHECK_CRON expression", "expr", cfg.gitSyncCheckCron)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// envConfig holds the settings read once from the environment at startup,
// the manager-level counterpart to what the webhook defaults onto each
// individual CdkTsStack's spec.
type envConfig struct {
	driftCheckCron    string
	gitSyncCheckCron  string
	metricsPrefix     string
	metricsPath       string
	cdkDefaultAccount string
	nodeOptions       string
	deployTimeout     time.Duration
}

const (
	defaultDriftCheckCron   = "*/30 * * * *"
	defaultGitSyncCheckCron = "*/5 * * * *"
	defaultMetricsPath      = "/var/log/cdktsstack/metrics.jsonl"
)

func loadEnvConfig() envConfig {
	return envConfig{
		driftCheckCron:    getEnv("DRIFT_CHECK_CRON", defaultDriftCheckCron),
		gitSyncCheckCron:  getEnv("GIT_SYNC_CHECK_CRON", defaultGitSyncCheckCron),
		metricsPrefix:     getEnv("METRICS_PREFIX", metrics.DefaultPrefix),
		metricsPath:       getEnv("METRICS_PATH", defaultMetricsPath),
		cdkDefaultAccount: os.Getenv("CDK_DEFAULT_ACCOUNT"),
		nodeOptions:       os.Getenv("NODE_OPTIONS"),
		deployTimeout:     process.DefaultDeployTimeout,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
