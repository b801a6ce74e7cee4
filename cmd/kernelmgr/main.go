package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lablup/kernelmgr/pkg/api"
	manager "github.com/lablup/kernelmgr/pkg/coordinator"
	"github.com/lablup/kernelmgr/pkg/driver"
	"github.com/lablup/kernelmgr/pkg/events"
	"github.com/lablup/kernelmgr/pkg/lifecycle"
	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/metrics"
	"github.com/lablup/kernelmgr/pkg/reaper"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/runtime"
	"github.com/lablup/kernelmgr/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kernelmgr",
	Short:   "kernelmgr - compute kernel dispatch and lifecycle manager",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kernelmgr version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinTokenCmd)
	rootCmd.AddCommand(clusterCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel manager",
	RunE:  runServe,
}

var joinTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "Request a coordinator join token from a running cluster's admin address",
	RunE:  runJoinToken,
}

func init() {
	flags := joinTokenCmd.Flags()
	flags.String("admin-addr", "", "Admin address of any coordinator node already in the cluster (required)")
	flags.Duration("ttl", 0, "Token lifetime; defaults to the server's own default when omitted")
}

func runJoinToken(cmd *cobra.Command, args []string) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	if adminAddr == "" {
		return fmt.Errorf("--admin-addr is required")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	client := manager.NewAdminClient(adminAddr)
	defer client.Close()

	token, err := client.IssueJoinToken(ttl)
	if err != nil {
		return fmt.Errorf("failed to issue join token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// clusterCmd groups the read/admin operations an operator runs
// against a live coordinator's admin address: listing and inspecting
// the mirrored registries, registering/decommissioning instances, and
// managing Raft cluster membership.
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and administer a running coordinator cluster",
}

func init() {
	clusterCmd.PersistentFlags().String("admin-addr", "", "Admin address of a coordinator node in the cluster (required)")
	clusterCmd.PersistentFlags().String("namespace", "default", "Namespace to operate on")

	clusterCmd.AddCommand(clusterListInstancesCmd, clusterListKernelsCmd, clusterGetInstanceCmd, clusterGetKernelCmd,
		clusterRegisterInstanceCmd, clusterDeregisterInstanceCmd, clusterListServersCmd, clusterRemoveServerCmd)
}

func adminClientFromFlags(cmd *cobra.Command) (*manager.AdminClient, string, error) {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	if adminAddr == "" {
		return nil, "", fmt.Errorf("--admin-addr is required")
	}
	namespace, _ := cmd.Flags().GetString("namespace")
	return manager.NewAdminClient(adminAddr), namespace, nil
}

var clusterListInstancesCmd = &cobra.Command{
	Use:   "list-instances",
	Short: "List the instances mirrored across the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, namespace, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		instances, err := client.ListInstances(namespace)
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}
		for _, inst := range instances {
			fmt.Printf("%s\t%s\t%d/%d\n", inst.Tag, inst.Address, inst.Current, inst.Maximum)
		}
		return nil
	},
}

var clusterListKernelsCmd = &cobra.Command{
	Use:   "list-kernels",
	Short: "List the kernels mirrored across the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, namespace, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		kernels, err := client.ListKernels(namespace)
		if err != nil {
			return fmt.Errorf("list kernels: %w", err)
		}
		for _, k := range kernels {
			fmt.Printf("%s\t%s\t%s\n", k.ID, k.SpecTag, k.State)
		}
		return nil
	},
}

var clusterGetInstanceCmd = &cobra.Command{
	Use:   "get-instance <tag>",
	Short: "Show one mirrored instance record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, namespace, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		inst, err := client.GetInstance(namespace, args[0])
		if err != nil {
			return fmt.Errorf("get instance: %w", err)
		}
		fmt.Printf("%s\t%s\t%d/%d\n", inst.Tag, inst.Address, inst.Current, inst.Maximum)
		return nil
	},
}

var clusterGetKernelCmd = &cobra.Command{
	Use:   "get-kernel <kernel-id>",
	Short: "Show one mirrored kernel record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, namespace, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		k, err := client.GetKernel(namespace, args[0])
		if err != nil {
			return fmt.Errorf("get kernel: %w", err)
		}
		fmt.Printf("%s\t%s\t%s\n", k.ID, k.SpecTag, k.State)
		return nil
	},
}

var clusterRegisterInstanceCmd = &cobra.Command{
	Use:   "register-instance <tag=...,address=...,maximum=...>",
	Short: "Publish an instance record into the cluster-wide mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, namespace, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		inst, err := parseInstanceSpec(args[0], 1)
		if err != nil {
			return err
		}
		if err := client.RegisterInstance(namespace, inst); err != nil {
			return fmt.Errorf("register instance: %w", err)
		}
		return nil
	},
}

var clusterDeregisterInstanceCmd = &cobra.Command{
	Use:   "deregister-instance <tag>",
	Short: "Remove an instance record from the cluster-wide mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, namespace, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.DeregisterInstance(namespace, args[0]); err != nil {
			return fmt.Errorf("deregister instance: %w", err)
		}
		return nil
	},
}

var clusterListServersCmd = &cobra.Command{
	Use:   "list-servers",
	Short: "List the cluster's current Raft voters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		servers, err := client.ListServers()
		if err != nil {
			return fmt.Errorf("list servers: %w", err)
		}
		for _, srv := range servers {
			fmt.Printf("%s\t%s\t%s\n", srv.ID, srv.Address, srv.Suffrage)
		}
		return nil
	},
}

var clusterRemoveServerCmd = &cobra.Command{
	Use:   "remove-server <node-id>",
	Short: "Remove a node from the cluster's Raft configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.RemoveServer(args[0]); err != nil {
			return fmt.Errorf("remove server: %w", err)
		}
		return nil
	},
}

func init() {
	flags := serveCmd.Flags()

	flags.String("kernel-driver", "local", "Kernel driver backend: local or docker")
	flags.String("bind-addr", "127.0.0.1:7940", "Manager RPC listen address (C8)")
	flags.String("event-addr", "127.0.0.1:7941", "Event ingress listen address (C6)")
	flags.String("event-bus-path", "/tmp/kernelmgr-bus.sock", "Unix socket path for the event bus between router and dispatcher")
	flags.String("namespace", "default", "Namespace scoping instances and kernels")
	flags.String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics and health check listen address")

	flags.String("local-exec-path", "", "Kernel runtime executable for the local driver (required with --kernel-driver local)")
	flags.String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path (container driver only)")
	flags.String("docker-registry", "", "Container registry URL (container driver only)")

	flags.Int("port-range-lo", 30000, "Lower bound (inclusive) of the agent port range")
	flags.Int("port-range-hi", 31000, "Upper bound (exclusive) of the agent port range")
	flags.Int("instance-max-kernels", 4, "Default maximum kernels per instance")

	flags.StringArray("instance", nil, "Worker instance to register, as tag=<tag>,address=<addr>,maximum=<n> (repeatable)")

	flags.String("coordinator-addr", "", "Raft bind address; setting this activates the optional coordinator (C9)")
	flags.String("coordinator-node-id", "node-1", "Raft node ID for this replica")
	flags.String("coordinator-data-dir", "./kernelmgr-coordinator-data", "Data directory for coordinator Raft state")
	flags.String("coordinator-admin-addr", "", "Cluster-admin listen address (join/list), required when --coordinator-addr is set")
	flags.String("coordinator-join-leader", "", "Existing leader's admin address to join through (omit to bootstrap a new cluster)")
	flags.String("coordinator-join-token", "", "Join token for --coordinator-join-leader")

	flags.Bool("reaper", false, "Enable the optional unresponsive-kernel reaper (off by default)")

	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Emit logs as JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()

	instanceSpecs, _ := cmd.Flags().GetStringArray("instance")
	registeredInstances := make([]*types.Instance, 0, len(instanceSpecs))
	for _, spec := range instanceSpecs {
		inst, err := parseInstanceSpec(spec, cfg.InstanceMaxKernels)
		if err != nil {
			return fmt.Errorf("--instance %q: %w", spec, err)
		}
		instances.Register(inst)
		registeredInstances = append(registeredInstances, inst)
		logger.Info().Str("tag", inst.Tag).Str("address", inst.Address).Int("maximum", inst.Maximum).Msg("instance registered")
	}

	var drv *driver.Driver
	switch cfg.KernelDriver {
	case types.KernelDriverLocal:
		execPath, _ := cmd.Flags().GetString("local-exec-path")
		if execPath == "" {
			return fmt.Errorf("--local-exec-path is required with --kernel-driver local")
		}
		drv = driver.NewLocal(execPath, instances, kernels, cfg.Range())
	case types.KernelDriverContainer:
		socket, _ := cmd.Flags().GetString("containerd-socket")
		rt, err := runtime.NewContainerdRuntime(socket)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		drv = driver.NewContainer(rt, cfg.DockerRegistryURL, cfg.Namespace, instances, kernels, cfg.Range())
	default:
		return fmt.Errorf("unknown kernel driver %q", cfg.KernelDriver)
	}

	coordinator := lifecycle.NewCoordinator(drv, kernels)

	router := events.NewRouter(cfg.AgentEventIngressAddr, busPath(cmd))
	if err := router.Start(); err != nil {
		return fmt.Errorf("failed to start event router: %w", err)
	}
	logger.Info().Str("addr", cfg.AgentEventIngressAddr).Msg("event router started")

	dispatcher := events.NewDispatcher(busPath(cmd))
	dispatcher.AddHandler("kernel.unresponsive", events.Handler{Immediate: false, Fn: coordinator.HandleUnresponsive})

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	dispatchErrCh := make(chan error, 1)
	go func() {
		if err := dispatcher.Run(dispatchCtx); err != nil {
			dispatchErrCh <- err
		}
	}()

	apiServer := api.NewServer(cfg.ManagerRPCAddr, coordinator)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}
	logger.Info().Str("addr", cfg.ManagerRPCAddr).Msg("manager rpc server started")

	var coord *manager.Manager
	var adminServer *manager.AdminServer
	if cfg.CoordinatorAddr != "" {
		coord, adminServer, err = startCoordinator(cmd, cfg, coordinator)
		if err != nil {
			return err
		}
		logger.Info().Str("bind_addr", cfg.CoordinatorAddr).Msg("coordinator started")

		for _, inst := range registeredInstances {
			if err := coord.MirrorInstance(cfg.Namespace, inst); err != nil {
				logger.Warn().Err(err).Str("tag", inst.Tag).Msg("mirror instance failed")
			}
		}
	}

	var reap *reaper.Reaper
	if enabled, _ := cmd.Flags().GetBool("reaper"); enabled {
		reap = reaper.NewReaper(drv, kernels, cfg.AgentEventIngressAddr)
		reap.Start()
		logger.Info().Msg("reaper started")
	}

	var raftStats metrics.RaftStats
	if coord != nil {
		raftStats = coord
	}
	collector := metrics.NewCollector(instances, kernels, raftStats)
	collector.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("api", true, "ready")
	metrics.RegisterComponent("event-router", true, "ready")
	if coord != nil {
		metrics.RegisterComponent("coordinator", true, "ready")
		metrics.SetCriticalComponents([]string{"api", "event-router", "coordinator"})
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-dispatchErrCh:
		logger.Error().Err(err).Msg("dispatcher stopped unexpectedly")
	}

	cancelDispatch()
	if reap != nil {
		reap.Stop()
	}
	collector.Stop()
	if adminServer != nil {
		adminServer.Stop()
	}
	if coord != nil {
		if err := coord.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("coordinator shutdown failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown failed")
	}
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("event router shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func startCoordinator(cmd *cobra.Command, cfg *types.Config, lc *lifecycle.Coordinator) (*manager.Manager, *manager.AdminServer, error) {
	nodeID, _ := cmd.Flags().GetString("coordinator-node-id")
	dataDir, _ := cmd.Flags().GetString("coordinator-data-dir")
	adminAddr, _ := cmd.Flags().GetString("coordinator-admin-addr")
	joinLeader, _ := cmd.Flags().GetString("coordinator-join-leader")
	joinToken, _ := cmd.Flags().GetString("coordinator-join-token")

	if adminAddr == "" {
		return nil, nil, fmt.Errorf("--coordinator-admin-addr is required when --coordinator-addr is set")
	}

	coord, err := manager.NewManager(&manager.Config{
		NodeID:   nodeID,
		BindAddr: cfg.CoordinatorAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	if joinLeader != "" {
		if err := coord.Join(joinLeader, joinToken); err != nil {
			return nil, nil, fmt.Errorf("failed to join coordinator cluster: %w", err)
		}
	} else {
		if err := coord.Bootstrap(); err != nil {
			return nil, nil, fmt.Errorf("failed to bootstrap coordinator cluster: %w", err)
		}
	}

	adminServer := manager.NewAdminServer(adminAddr, coord)
	if err := adminServer.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start coordinator admin server: %w", err)
	}

	lc.EnableMirror(cfg.Namespace, coord)
	return coord, adminServer, nil
}

func configFromFlags(cmd *cobra.Command) (*types.Config, error) {
	kernelDriver, _ := cmd.Flags().GetString("kernel-driver")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	eventAddr, _ := cmd.Flags().GetString("event-addr")
	namespace, _ := cmd.Flags().GetString("namespace")
	dockerRegistry, _ := cmd.Flags().GetString("docker-registry")
	portLo, _ := cmd.Flags().GetInt("port-range-lo")
	portHi, _ := cmd.Flags().GetInt("port-range-hi")
	maxKernels, _ := cmd.Flags().GetInt("instance-max-kernels")
	coordinatorAddr, _ := cmd.Flags().GetString("coordinator-addr")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	var driverType types.KernelDriverType
	switch kernelDriver {
	case "local":
		driverType = types.KernelDriverLocal
	case "docker":
		driverType = types.KernelDriverContainer
	default:
		return nil, fmt.Errorf("--kernel-driver must be 'local' or 'docker', got %q", kernelDriver)
	}

	return &types.Config{
		Namespace:             namespace,
		CoordinatorAddr:       coordinatorAddr,
		AgentEventIngressAddr: eventAddr,
		ManagerRPCAddr:        bindAddr,
		KernelDriver:          driverType,
		DockerRegistryURL:     dockerRegistry,
		PortRangeLo:           portLo,
		PortRangeHi:           portHi,
		InstanceMaxKernels:    maxKernels,
		LogLevel:              logLevel,
		LogJSON:               logJSON,
	}, nil
}

func busPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("event-bus-path")
	return p
}

// parseInstanceSpec parses a "tag=...,address=...,maximum=..." --instance
// flag value into a registerable Instance. Maximum is defaultMax when
// the spec has no maximum field.
func parseInstanceSpec(spec string, defaultMax int) (*types.Instance, error) {
	inst := &types.Instance{Maximum: defaultMax}
	for _, field := range strings.Split(spec, ",") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed field %q", field)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "tag":
			inst.Tag = val
		case "address":
			inst.Address = val
		case "maximum":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("maximum: %w", err)
			}
			inst.Maximum = n
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}
	if inst.Tag == "" || inst.Address == "" {
		return nil, fmt.Errorf("tag and address are required")
	}
	return inst, nil
}
