/*
Copyright 2023.

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
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/opkernel/opkernel/internal/clientfactory"
	"github.com/opkernel/opkernel/pkg/cache"
	"github.com/opkernel/opkernel/pkg/dispatcher"
	"github.com/opkernel/opkernel/pkg/entity"
	"github.com/opkernel/opkernel/pkg/host"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/leadergate"
	"github.com/opkernel/opkernel/pkg/reconcile"
	"github.com/opkernel/opkernel/pkg/selector"
)

const rootUsage = `A generic operator harness around the opkernel runtime core

Watches one custom resource type and logs every reconciliation decision the
core makes (generation gating, finalizer processing, requeues). Useful for
exercising a CRD before writing a real reconciler, and as a wiring example.
`

type rootOptions struct {
	gvr                  string
	namespace            string
	labelSelector        string
	requeueAfter         time.Duration
	leaderElect          bool
	leaderElectNamespace string
	leaderElectName      string
	autoAttachFinalizers bool
	autoDetachFinalizers bool
	finalizerGroup       string
	redisAddress         string
	redisKeyPrefix       string
	metricsBindAddress   string
}

func newRootCmd() *cobra.Command {
	options := &rootOptions{}
	zapOptions := &crzap.Options{}

	cmd := &cobra.Command{
		Use:          "opkernel",
		Short:        "A generic operator harness",
		Long:         rootUsage,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(c *cobra.Command, args []string) error {
			if strings.Count(options.gvr, "/") != 2 {
				return fmt.Errorf("invalid value for flag --resource: %s (expected group/version/resource)", options.gvr)
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			ctrl.SetLogger(crzap.New(crzap.UseFlagOptions(zapOptions)))
			return run(ctrl.SetupSignalHandler(), options)
		},
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringVar(&options.gvr, "resource", "", "Watched resource as group/version/resource (e.g. example.io/v1/widgets)")
	flags.StringVar(&options.namespace, "namespace", "", "Namespace to watch; empty means all namespaces")
	flags.StringVar(&options.labelSelector, "selector", "", "Label selector applied to the watch")
	flags.DurationVar(&options.requeueAfter, "requeue-after", 0, "If positive, every successful reconciliation requests a requeue after this delay")
	flags.BoolVar(&options.leaderElect, "leader-elect", false, "Enable leader election")
	flags.StringVar(&options.leaderElectNamespace, "leader-elect-namespace", "default", "Namespace of the leader election lease")
	flags.StringVar(&options.leaderElectName, "leader-elect-name", "opkernel", "Name of the leader election lease")
	flags.BoolVar(&options.autoAttachFinalizers, "auto-attach-finalizers", false, "Attach the demo finalizer before reconciling spec changes")
	flags.BoolVar(&options.autoDetachFinalizers, "auto-detach-finalizers", false, "Detach the demo finalizer after successful cleanup")
	flags.StringVar(&options.finalizerGroup, "finalizer-group", "opkernel.io", "Group used to derive the demo finalizer identifier")
	flags.StringVar(&options.redisAddress, "redis-address", "", "If set, back the generation cache with this redis instance")
	flags.StringVar(&options.redisKeyPrefix, "redis-key-prefix", "opkernel/generation/", "Key prefix for generation cache entries in redis")
	flags.StringVar(&options.metricsBindAddress, "metrics-bind-address", "", "If set, serve prometheus metrics on this address (e.g. :8080)")
	cobra.CheckErr(cmd.MarkFlagRequired("resource"))

	zapFlags := newZapFlagSet(zapOptions)
	flags.AddGoFlagSet(zapFlags)

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func run(ctx context.Context, options *rootOptions) error {
	logger := log.FromContext(ctx)

	config, err := ctrl.GetConfig()
	if err != nil {
		return err
	}
	factory, err := clientfactory.NewClientFor(config, nil, "opkernel")
	if err != nil {
		return err
	}
	defer factory.Close()

	parts := strings.SplitN(options.gvr, "/", 3)
	gvr := schema.GroupVersionResource{Group: parts[0], Version: parts[1], Resource: parts[2]}
	client := kclient.NewDynamicClient(factory.Dynamic.Resource(gvr), func() *unstructured.Unstructured {
		return &unstructured.Unstructured{}
	})

	hostOptions := []host.Option{host.WithEventRecorder(factory.Recorder)}
	if options.autoAttachFinalizers {
		hostOptions = append(hostOptions, host.WithAutoAttachFinalizers())
	}
	if options.autoDetachFinalizers {
		hostOptions = append(hostOptions, host.WithAutoDetachFinalizers())
	}
	if options.redisAddress != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: options.redisAddress})
		defer redisClient.Close()
		hostOptions = append(hostOptions, host.WithGenerationCache(
			cache.NewChainedCache(cache.NewMemoryCache(), cache.NewRedisCache(redisClient, options.redisKeyPrefix)),
		))
	}

	lifecycleHost := host.New(hostOptions...)
	reg := host.Registration{
		Name:       gvr.Resource,
		Namespace:  options.namespace,
		Client:     client,
		Reconciler: &echoReconciler{requeueAfter: options.requeueAfter},
		Selector:   selector.NewStaticFromString(options.labelSelector),
	}
	if options.autoAttachFinalizers || options.autoDetachFinalizers {
		reg.Finalizers = newEchoFinalizers(options.finalizerGroup, gvr.Resource)
	}
	if err := lifecycleHost.Register(reg); err != nil {
		return err
	}

	if options.metricsBindAddress != "" {
		go serveMetrics(ctx, options.metricsBindAddress)
	}

	if options.leaderElect {
		gate := leadergate.New(leadergate.Config{
			LockNamespace: options.leaderElectNamespace,
			LockName:      options.leaderElectName,
		}, factory.Clientset, lifecycleHost.RunWatchers)
		logger.Info("starting gated watchers", "resource", options.gvr, "identity", gate.Identity())
		return gate.Run(ctx)
	}

	logger.Info("starting watchers", "resource", options.gvr)
	lifecycleHost.RunWatchers(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return lifecycleHost.Stop(stopCtx)
}

func serveMetrics(ctx context.Context, address string) {
	server := &http.Server{Addr: address, Handler: promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{})}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Log.Error(err, "metrics server failed")
	}
}

// echoReconciler logs every invocation, standing in for real user logic.
type echoReconciler struct {
	requeueAfter time.Duration
}

func (r *echoReconciler) Reconcile(ctx context.Context, obj entity.Object) reconcile.Result {
	log.FromContext(ctx).Info("reconciling", "name", obj.GetName(), "namespace", obj.GetNamespace(), "generation", obj.GetGeneration())
	if r.requeueAfter > 0 {
		return reconcile.SucceededWithRequeue(r.requeueAfter)
	}
	return reconcile.Succeeded()
}

func (r *echoReconciler) Deleted(ctx context.Context, obj entity.Object) reconcile.Result {
	log.FromContext(ctx).Info("deleted", "name", obj.GetName(), "namespace", obj.GetNamespace())
	return reconcile.Succeeded()
}

// echoFinalizer logs the cleanup it pretends to perform.
type echoFinalizer struct {
	id string
}

func (f *echoFinalizer) Finalize(ctx context.Context, obj entity.Object) reconcile.Result {
	log.FromContext(ctx).Info("finalizing", "finalizerID", f.id, "name", obj.GetName(), "namespace", obj.GetNamespace())
	return reconcile.Succeeded()
}

func newEchoFinalizers(group, name string) dispatcher.FinalizerRegistry {
	id := dispatcher.FinalizerID(group, name)
	return dispatcher.FinalizerRegistry{id: &echoFinalizer{id: id}}
}

func newZapFlagSet(zapOptions *crzap.Options) *flag.FlagSet {
	flagSet := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOptions.BindFlags(flagSet)
	return flagSet
}

func Execute() error {
	return newRootCmd().Execute()
}
