package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr/internal/config"
	"github.com/ehr/ehr/internal/platform/auth"
	"github.com/ehr/ehr/internal/platform/db"
	"github.com/ehr/ehr/internal/platform/fhir"
	"github.com/ehr/ehr/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "Headless EHR API Server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(reindexCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EHR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Use Atlas CLI for migration rollback: atlas schema apply --dir migrations/")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !isAlphanumeric(name) {
				return fmt.Errorf("tenant name must be alphanumeric, got %q", name)
			}
			schema := "tenant_" + name
			fmt.Printf("Creating tenant schema: %s\n", schema)
			if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			fmt.Println("Tenant created successfully. Run migrations with: ehr-server migrate up --schema", schema)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// isSchemaIdent reports whether s is safe to interpolate into a "SET
// search_path" or "CREATE SCHEMA" statement: letters, digits, and
// underscores only, not starting with a digit.
func isSchemaIdent(s string) bool {
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// reindexCmd rebuilds every Search Index row from the current Resource
// Store contents, for recovering from an index/store divergence (a bad
// migration, a manual row edit) without reloading the data.
func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the resource store",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			if !isSchemaIdent(schema) {
				return fmt.Errorf("invalid schema name %q", schema)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			conn, err := pool.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("acquire connection: %w", err)
			}
			defer conn.Release()
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema)); err != nil {
				return fmt.Errorf("set search_path: %w", err)
			}
			ctx = context.WithValue(ctx, db.DBConnKey, conn)

			store := db.NewStore()
			index := db.NewIndex()
			registry := fhir.NewParamRegistry()

			total := 0
			for _, resourceType := range registry.ResourceTypes() {
				records, err := store.ListAll(ctx, resourceType)
				if err != nil {
					return fmt.Errorf("list %s: %w", resourceType, err)
				}
				for _, rec := range records {
					entries := fhir.ExtractIndexEntries(registry, resourceType, rec.ID, rec.Body)
					tuples := make([]db.IndexTuple, len(entries))
					for i, e := range entries {
						tuples[i] = db.IndexTuple{
							ResourceType: e.ResourceType,
							ResourceID:   e.ResourceID,
							ParamName:    e.ParamName,
							ParamType:    string(e.ParamType),
							Value:        e.Value,
							System:       e.System,
						}
					}
					if err := index.Reindex(ctx, resourceType, rec.ID, tuples); err != nil {
						return fmt.Errorf("reindex %s/%s: %w", resourceType, rec.ID, err)
					}
					total++
				}
			}
			fmt.Printf("Reindexed %d resource(s) across %d type(s).\n", total, len(registry.ResourceTypes()))
			return nil
		},
	}
	cmd.Flags().String("schema", "tenant_default", "Target schema to reindex")
	return cmd
}

// bridgeSubjectMiddleware copies the auth.Subject a collaborating auth
// layer attached to the request context into the fhir.Subject shape the
// Compartment Filter reads, translating auth.Scope into the plain
// "context/type.op" strings fhir.Subject carries. A request with no
// auth.Subject (no bearer token, or development mode) is left untouched —
// the Compartment Filter treats that as unrestricted system-level access.
func bridgeSubjectMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			subj, ok := auth.SubjectFromContext(c.Request().Context())
			if !ok {
				return next(c)
			}
			scopes := make([]string, len(subj.Scopes))
			for i, s := range subj.Scopes {
				scopes[i] = fmt.Sprintf("%s/%s.%s", s.Context, s.ResourceType, s.Operation)
			}
			ctx := fhir.WithSubject(c.Request().Context(), fhir.Subject{
				Scopes:    scopes,
				PatientID: subj.PatientID,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// registerCapabilities populates capBuilder with every resource type the
// Parameter Registry knows about, so /fhir/metadata always reflects exactly
// what the Search Query Parser and Search Executor can actually serve —
// adding a resource type to the registry is enough to advertise it.
func registerCapabilities(capBuilder *fhir.CapabilityBuilder, registry *fhir.ParamRegistry) {
	defaultCaps := fhir.DefaultCapabilityOptions()
	for _, rt := range registry.ResourceTypes() {
		params := make([]fhir.SearchParam, 0, len(registry.Definitions(rt)))
		for _, def := range registry.Definitions(rt) {
			params = append(params, fhir.SearchParam{
				Name: def.Name,
				Type: string(def.Type),
			})
		}
		capBuilder.AddResource(rt, fhir.DefaultInteractions(), params)
		capBuilder.SetResourceCapabilities(rt, defaultCaps)
	}
}

// registerExporters wires a generic, store-backed ResourceExporter for
// every registered resource type into manager, so $export (system- and
// Patient-level) works uniformly across the whole catalog instead of
// requiring one hand-written exporter per domain.
func registerExporters(manager *fhir.ExportManager, store *db.Store, compartment *fhir.CompartmentDef, registry *fhir.ParamRegistry) {
	for _, rt := range registry.ResourceTypes() {
		resourceType := rt
		manager.RegisterExporter(resourceType, &fhir.ServiceExporter{
			ResourceType: resourceType,
			ListFn: func(ctx context.Context, since *time.Time) ([]map[string]interface{}, error) {
				records, err := store.ListAll(ctx, resourceType)
				if err != nil {
					return nil, err
				}
				return filterSince(records, since), nil
			},
			ListByPatientFn: func(ctx context.Context, patientID string, since *time.Time) ([]map[string]interface{}, error) {
				if !compartment.IsInCompartment(resourceType) {
					return nil, nil
				}
				records, err := store.ListAll(ctx, resourceType)
				if err != nil {
					return nil, err
				}
				filtered := filterSince(records, since)
				out := make([]map[string]interface{}, 0, len(filtered))
				for _, body := range filtered {
					if compartment.BelongsToPatient(resourceType, body, patientID) {
						out = append(out, body)
					}
				}
				return out, nil
			},
		})
	}
}

func filterSince(records []*db.CurrentRecord, since *time.Time) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		if since != nil && r.LastUpdated.Before(*since) {
			continue
		}
		out = append(out, r.Body)
	}
	return out
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Break-Glass"},
	}))

	// Request-scoped DB connection; every Store/Index call in the request
	// resolves it via db.QuerierFromContext.
	e.Use(db.ConnMiddleware(pool))

	// Bearer-claims auth: attaches a Subject (scopes + patient context) for
	// collaborating handlers to read; never blocks a request on its own.
	e.Use(auth.BearerClaimsMiddleware())

	// API groups
	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	// Rate limiting
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	fhirGroup.Use(middleware.RateLimit(rateLimitCfg))

	// Break-glass emergency access logging on clinical paths.
	fhirGroup.Use(middleware.BreakGlass(logger))

	// Audit trail for every FHIR access.
	fhirGroup.Use(middleware.Audit(logger))

	// Bridge auth.Subject into fhir.Subject, then enforce SMART scopes and
	// the Patient compartment on every FHIR resource route.
	fhirGroup.Use(bridgeSubjectMiddleware())
	fhirGroup.Use(auth.ScopeMiddleware("resourceType"))

	// Body size limits: small default, larger allowance for Bundles.
	fhirGroup.Use(middleware.BodyLimit("5MB", "50MB"))

	// Content negotiation, Prefer header handling, conditional read/HEAD,
	// and _include/_revinclude resolution all operate at the middleware
	// layer so every resource-type route gets them uniformly.
	fhirGroup.Use(fhir.ContentNegotiationMiddleware())
	fhirGroup.Use(fhir.PreferMiddleware())
	fhirGroup.Use(fhir.ConditionalReadMiddleware())
	fhirGroup.Use(fhir.SearchMiddleware())
	fhirGroup.Use(fhir.SearchPostMiddleware())
	fhirGroup.Use(fhir.ProjectionMiddleware())

	includeRegistry := fhir.NewIncludeRegistry()
	for _, rt := range []string{
		"Observation", "Encounter", "Condition", "MedicationRequest", "Procedure",
		"AllergyIntolerance", "DiagnosticReport", "Immunization", "Task",
		"Appointment", "ServiceRequest", "Specimen",
	} {
		includeRegistry.RegisterReference(rt, "patient", "Patient")
		includeRegistry.RegisterReference(rt, "subject", "Patient")
	}
	for _, rt := range []string{
		"Observation", "Condition", "Procedure", "MedicationRequest",
		"ServiceRequest", "DiagnosticReport", "Immunization", "Task",
	} {
		includeRegistry.RegisterReference(rt, "encounter", "Encounter")
	}
	fhirGroup.Use(fhir.IncludeMiddleware(includeRegistry))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// -- Core engine: Resource Store, Search Index, Parameter Registry --
	store := db.NewStore()
	index := db.NewIndex()
	registry := fhir.NewParamRegistry()
	validator := fhir.NewResourceValidator()
	compartment := fhir.PatientCompartment()

	for _, rt := range registry.ResourceTypes() {
		resourceType := rt
		includeRegistry.RegisterFetcher(resourceType, func(ctx context.Context, fhirID string) (map[string]interface{}, error) {
			rec, err := store.Get(ctx, resourceType, fhirID)
			if err != nil {
				return nil, err
			}
			return rec.Body, nil
		})
	}

	// CRUD Coordinator: create/read/update/patch/delete/search-type for
	// every resource type, data-driven off the registry and validator.
	coordinator := fhir.NewCRUDCoordinator(store, index, registry, validator)
	coordinator.RegisterRoutes(fhirGroup)

	// Bundle Coordinator: transaction/batch Bundles dispatch every entry
	// through the same CRUD Coordinator used by the top-level routes.
	bundleProcessor := fhir.NewCRUDBundleProcessor(coordinator)
	bundleHandler := fhir.NewBundleHandler(bundleProcessor)
	bundleHandler.RegisterRoutes(fhirGroup)

	// History: instance/type/system _history.
	historyHandler := fhir.NewHistoryHandler(store)
	historyHandler.RegisterRoutes(fhirGroup)

	// $validate
	validateHandler := fhir.NewValidateHandler(validator)
	validateHandler.RegisterRoutes(fhirGroup)

	// Patient/$everything: aggregate every compartment-member resource type
	// for one patient into a single searchset Bundle.
	everythingHandler := fhir.NewEverythingHandler()
	everythingHandler.SetPatientFetcher(func(ctx context.Context, fhirID string) (map[string]interface{}, error) {
		rec, err := store.Get(ctx, "Patient", fhirID)
		if err != nil {
			return nil, err
		}
		return rec.Body, nil
	})
	for _, rt := range registry.ResourceTypes() {
		if rt == "Patient" || !compartment.IsInCompartment(rt) {
			continue
		}
		resourceType := rt
		everythingHandler.RegisterFetcher(resourceType, func(ctx context.Context, patientID string) ([]map[string]interface{}, error) {
			records, err := store.ListAll(ctx, resourceType)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]interface{}, 0, len(records))
			for _, rec := range records {
				if compartment.BelongsToPatient(resourceType, rec.Body, patientID) {
					out = append(out, rec.Body)
				}
			}
			return out, nil
		})
	}
	everythingHandler.RegisterRoutes(fhirGroup)

	// Bulk $export ($export system-level and Patient/$export), backed by a
	// generic store-driven exporter per resource type.
	exportManager := fhir.NewExportManager()
	registerExporters(exportManager, store, compartment, registry)
	exportStore := fhir.NewExportStore()
	baseURL := fmt.Sprintf("http://localhost:%s/fhir", cfg.Port)
	bulkExportHandler := fhir.NewBulkExportHandler(exportStore, exportManager, baseURL)
	bulkExportHandler.RegisterBulkExportRoutes(fhirGroup)

	// CompartmentDefinition: exposes the Patient compartment's resource
	// membership table as a discoverable FHIR resource.
	fhir.NewCompartmentDefinitionHandler().RegisterRoutes(fhirGroup)

	// Dynamic CapabilityStatement, built entirely from the registry so it
	// never drifts from what the server can actually do.
	capBuilder := fhir.NewCapabilityBuilder(baseURL, "0.1.0")
	if cfg.AuthIssuer != "" {
		capBuilder.SetOAuthURIs(
			cfg.AuthIssuer+"/protocol/openid-connect/auth",
			cfg.AuthIssuer+"/protocol/openid-connect/token",
		)
	}
	registerCapabilities(capBuilder, registry)
	capabilityHandler := fhir.NewCapabilityHandler(capBuilder)
	capabilityHandler.RegisterRoutes(fhirGroup)

	// Client-facing rate-limit plan management (api/v1, not FHIR-scoped).
	clientLimiter := middleware.NewClientRateLimiter()
	clientLimiter.StartCleanup(ctx, time.Minute)
	rateLimitHandler := middleware.NewRateLimitHandler(clientLimiter)
	rateLimitHandler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
