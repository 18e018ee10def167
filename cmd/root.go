package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gridaccess/permission-service/api"
	"github.com/gridaccess/permission-service/audit"
	"github.com/gridaccess/permission-service/connectors/simulation"
	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/handlers"
	"github.com/gridaccess/permission-service/outbox"
	"github.com/gridaccess/permission-service/pkg"
	"github.com/gridaccess/permission-service/pkg/logger"
	"github.com/gridaccess/permission-service/storage/sqlite"
)

const (
	confInterface   = "interface"
	confPort        = "port"
	confPartyID     = "party-id"
	confDatabase    = "database"
	confRedisAddr   = "redis-address"
	confRedisStream = "redis-stream"
)

const version = `permission-service v0.1 -- HEAD`

var rootCommand = &cobra.Command{
	Use:     "permission-service",
	Short:   "Permission request lifecycle engine for energy data access",
	Version: version,
}

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Start permission-service as a standalone api server",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := configureService()
		if err != nil {
			return err
		}
		defer service.Shutdown()

		server := echo.New()
		server.HideBanner = true
		server.Use(middleware.Logger())
		server.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
		api.RegisterHandlers(server, api.Wrapper{Cl: service})

		addr := fmt.Sprintf("%s:%d", viper.GetString(confInterface), viper.GetInt(confPort))
		server.Logger.Fatal(server.Start(addr))
		return nil
	},
}

var reconcileCommand = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep over all connectors and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := configureService()
		if err != nil {
			return err
		}
		defer service.Shutdown()
		return service.Reconcile(context.Background())
	},
}

var simulateCommand = &cobra.Command{
	Use:   "simulate",
	Short: "Run one scripted permission request against the simulation connector and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := configureService()
		if err != nil {
			return err
		}
		defer service.Shutdown()

		now := time.Now()
		id, status, err := service.CreatePermissionRequest(context.Background(), pkg.CreatePermissionRequest{
			ConnectorID:     simulation.ConnectorID,
			ConnectionID:    "simulate-cli",
			DataNeedID:      "simulation-default",
			MeteringPointID: "AT0000000000000000000000000000001",
			Start:           now.AddDate(0, -3, 0),
			End:             now.AddDate(0, 0, -1),
			Granularity:     domain.GranularityPT15M,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created permission request %s (%s)\n", id, status)

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			request, err := service.GetPermissionRequest(context.Background(), id)
			if err != nil {
				return err
			}
			if request.Status == domain.StatusAccepted || domain.IsTerminal(request.Status) {
				fmt.Printf("settled in %s, consent id %q\n", request.Status, request.Correlation.ConsentID)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("request %s did not settle within 10s", id)
	},
}

// configureService builds the engine with the simulation connector
// registered and optional SQLite persistence and Redis auditing.
func configureService() (*pkg.PermissionService, error) {
	service := pkg.PermissionServiceInstance()
	service.Config.PartyID = viper.GetString(confPartyID)

	if path := viper.GetString(confDatabase); path != "" {
		conn, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", path, err)
		}
		service.Repo = sqlite.NewRepository(conn)
		service.Outbox = outbox.New(sqlite.NewEventStore(conn), service.Repo)
	}

	connector := simulation.New(service)
	service.DataNeeds = connector
	if err := service.Start(); err != nil {
		return nil, err
	}
	service.Transports.Register(simulation.ConnectorID, connector)
	service.Policies.Register(simulation.ConnectorID, connector.ValidationPolicy())
	connector.RegisterDataNeed("simulation-default", handlers.DataNeedCalculation{
		Deliverable: true,
		Granularities: []domain.Granularity{
			domain.GranularityPT15M, domain.GranularityPT1H, domain.GranularityP1D,
		},
	})

	if addr := viper.GetString(confRedisAddr); addr != "" {
		stream, err := audit.NewStreamWriter(addr, "", viper.GetString(confRedisStream))
		if err != nil {
			return nil, fmt.Errorf("connect audit stream: %w", err)
		}
		service.Outbox.Subscribe(stream)
	}
	return service, nil
}

func flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("permission-service", pflag.ContinueOnError)
	flags.String(confInterface, "localhost", "Server interface binding")
	flags.IntP(confPort, "p", 1324, "Server listen port")
	flags.String(confPartyID, "EP-000001", "Eligible party identifier used on the wire")
	flags.String(confDatabase, "", "SQLite database path; empty keeps everything in memory")
	flags.String(confRedisAddr, "", "Redis address for the audit stream; empty disables auditing")
	flags.String(confRedisStream, audit.DefaultStream, "Redis stream the audit events go to")
	return flags
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	flags := flagSet()
	rootCommand.PersistentFlags().AddFlagSet(flags)

	viper.SetEnvPrefix("PERMISSION_SERVICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	rootCommand.AddCommand(serveCommand)
	rootCommand.AddCommand(reconcileCommand)
	rootCommand.AddCommand(simulateCommand)

	if err := rootCommand.Execute(); err != nil {
		logger.Logger().Error(err)
		fmt.Println(err)
		os.Exit(1)
	}
}
