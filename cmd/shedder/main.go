package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/fleetbroker/loadshed/pkg/admin"
	"github.com/fleetbroker/loadshed/pkg/broker"
	"github.com/fleetbroker/loadshed/pkg/bundledata"
	"github.com/fleetbroker/loadshed/pkg/config"
	"github.com/fleetbroker/loadshed/pkg/loaddata"
	"github.com/fleetbroker/loadshed/pkg/loadmanager"
	"github.com/fleetbroker/loadshed/pkg/netprobe"
	"github.com/fleetbroker/loadshed/pkg/registry"
	"github.com/fleetbroker/loadshed/pkg/scheduler"
	"github.com/fleetbroker/loadshed/pkg/shedding"
	"github.com/fleetbroker/loadshed/pkg/signals"
	"github.com/fleetbroker/loadshed/pkg/split"
)

var (
	masterURL      string
	kubeconfig     string
	brokerFleetNS  string
	brokerFleetSvc string
	leaderLeaseNS  string
	leaderLeaseKey string
	adminBaseURL   string
	metricsAddr    string
	reachabilityOn bool
)

func main() {
	klog.InitFlags(nil)
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig; empty uses in-cluster config")
	flag.StringVar(&masterURL, "master", "", "Kubernetes API server URL override")
	flag.StringVar(&brokerFleetNS, "broker-namespace", "pulsar", "Namespace of the broker fleet's headless Service")
	flag.StringVar(&brokerFleetSvc, "broker-service", "broker-fleet", "Name of the broker fleet's headless Service")
	flag.StringVar(&leaderLeaseNS, "leader-lease-namespace", "pulsar", "Namespace of the load-shedding leader election Lease")
	flag.StringVar(&leaderLeaseKey, "leader-lease-name", "loadshed-leader", "Name of the load-shedding leader election Lease")
	flag.StringVar(&adminBaseURL, "admin-base-url", "http://localhost:8080", "Base URL of the broker admin REST API")
	flag.StringVar(&metricsAddr, "metrics-address", ":9273", "Address to serve Prometheus metrics on")
	flag.BoolVar(&reachabilityOn, "icmp-reachability-probe", true, "Exclude brokers that fail an independent ICMP reachability probe from availability; disable on clusters that block ICMP")
	flag.Parse()

	ctx, stop := signals.SetupSignalContext()
	defer stop()

	cfg, err := clientcmd.BuildConfigFromFlags(masterURL, kubeconfig)
	if err != nil {
		klog.Fatalf("error building kubeconfig: %s", err.Error())
	}

	kubeClient, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		klog.Fatalf("error building kubernetes clientset: %s", err.Error())
	}

	dynamicClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		klog.Fatalf("error building dynamic client: %s", err.Error())
	}

	identity := registry.PodIdentity()
	leader, err := registry.NewLeaseLeaderElection(kubeClient, leaderLeaseNS, leaderLeaseKey, identity,
		15*time.Second, 10*time.Second, 2*time.Second)
	if err != nil {
		klog.Fatalf("error building leader election: %s", err.Error())
	}
	go leader.Run(ctx)

	var prober *netprobe.Prober
	var reachability registry.Reachability
	if reachabilityOn {
		prober = netprobe.NewProber(45 * time.Second)
		prober.Start(nil)
		defer prober.Stop()
		reachability = prober
	}

	informerFactory := informers.NewSharedInformerFactory(kubeClient, 30*time.Second)
	endpointsInformer := informerFactory.Core().V1().Endpoints()
	brokerRegistry := registry.NewEndpointsBrokerRegistry(brokerFleetNS, brokerFleetSvc, endpointsInformer, reachability)
	informerFactory.Start(ctx.Done())
	if !brokerRegistry.WaitForCacheSync(ctx.Done()) {
		klog.Fatal("error waiting for broker registry informer cache to sync")
	}

	brokerLoadStore := loaddata.NewCRDStore[broker.LoadData](dynamicClient, brokerFleetNS)
	if err := brokerLoadStore.ReconcileFromCRD(ctx); err != nil {
		klog.Warningf("error reconciling broker load data from CRD: %v", err)
	}
	bundleDataStore := loaddata.NewCRDStore[bundledata.BundleData](dynamicClient, brokerFleetNS)
	if err := bundleDataStore.ReconcileFromCRD(ctx); err != nil {
		klog.Warningf("error reconciling bundle data from CRD: %v", err)
	}

	adminClient := admin.NewHTTPAdminClient(adminBaseURL, 20, 5)
	namespaceService := admin.NewHTTPNamespaceService(adminBaseURL, 20, 5)

	loadConfig := config.Load()
	configFn := func() config.Config { return loadConfig }

	unloadScheduler := scheduler.NewUnloadScheduler(
		[]shedding.UnloadStrategy{shedding.NewThresholdShedder()},
		brokerLoadStore,
		brokerRegistry,
		leader,
		adminClient,
		configFn,
	)

	splitStrategy := split.NewDefaultBundleSplitStrategy(namespaceService)
	splitScheduler := scheduler.NewSplitScheduler(
		splitStrategy,
		brokerLoadStore,
		bundleDataStore,
		brokerRegistry,
		leader,
		configFn,
	)

	manager := loadmanager.NewManager(
		brokerRegistry,
		leastLoadedByOwnership{brokerLoadStore},
		unloadScheduler,
		splitScheduler,
		loadConfig.UnloadTickInterval,
		loadConfig.SplitTickInterval,
	)
	manager.Start(ctx)
	defer manager.Stop()

	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("metrics server error: %v", err)
		}
	}()

	klog.Infof("load-shedding engine started as %s", identity)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	klog.Info("load-shedding engine stopped")
}

// leastLoadedByOwnership is the default BrokerSelectionStrategy: among
// the candidates the registry reports, pick the one currently owning
// the fewest bundles. It is a placeholder default; a real deployment
// is expected to supply a richer placement strategy (spec §6: sibling
// concern, out of scope here).
type leastLoadedByOwnership struct {
	store loaddata.Store[broker.LoadData]
}

func (l leastLoadedByOwnership) SelectBroker(ctx context.Context, bundle string, candidates []string) (string, error) {
	best := candidates[0]
	bestCount := -1
	for _, c := range candidates {
		data, ok := l.store.Get(c)
		count := 0
		if ok {
			count = len(data.Bundles)
		}
		if bestCount == -1 || count < bestCount {
			best, bestCount = c, count
		}
	}
	return best, nil
}
