package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/policy"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/m-mizutani/rendezvous/pkg/usecase/scheduling"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
	"github.com/m-mizutani/rendezvous/pkg/utils/codec"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// checkpoint payloads above this size go to the bucket when one is set
const inlineCheckpointLimit = 512 * 1024

// config holds configuration values
type config struct {
	// Repository
	backend      string
	sqlitePath   string
	project      string
	database     string
	slotsColl    string
	cpColl       string
	memoriesColl string
	bucket       string
	bucketPrefix string
	storeTimeout time.Duration
	storeRetries int64

	// Adapters
	anthropicAPIKey string
	claudeModel     string
	geminiProject   string
	geminiLocation  string
	generativeModel string
	embeddingModel  string
	dimensions      int64
	embeddingCache  int64

	// Memory
	policy      string
	policyDir   string
	maxPerOwner int64

	// Scheduling
	bookingRetries    int64
	alternativeWindow time.Duration

	// Checkpoint
	compression string

	gemini adapter.Gemini
}

// globalFlags returns the repository flags shared by every command
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Storage backend (memory, sqlite, firestore)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("RENDEZVOUS_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file",
			Value:       "rendezvous.db",
			Sources:     cli.EnvVars("RENDEZVOUS_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "slots-collection",
			Usage:       "Collection (table) name of slots",
			Value:       "slots",
			Sources:     cli.EnvVars("RENDEZVOUS_SLOTS_COLLECTION"),
			Destination: &cfg.slotsColl,
		},
		&cli.StringFlag{
			Name:        "checkpoints-collection",
			Usage:       "Collection (table) name of checkpoints",
			Value:       "checkpoints",
			Sources:     cli.EnvVars("RENDEZVOUS_CHECKPOINTS_COLLECTION"),
			Destination: &cfg.cpColl,
		},
		&cli.StringFlag{
			Name:        "memories-collection",
			Usage:       "Collection (table) name of memories",
			Value:       "memories",
			Sources:     cli.EnvVars("RENDEZVOUS_MEMORIES_COLLECTION"),
			Destination: &cfg.memoriesColl,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for large checkpoints (firestore only)",
			Sources:     cli.EnvVars("RENDEZVOUS_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bucket-prefix",
			Usage:       "Object name prefix in the bucket",
			Sources:     cli.EnvVars("RENDEZVOUS_BUCKET_PREFIX"),
			Destination: &cfg.bucketPrefix,
		},
		&cli.IntFlag{
			Name:        "dimensions",
			Usage:       "Embedding dimensionality",
			Value:       768,
			Sources:     cli.EnvVars("RENDEZVOUS_DIMENSIONS"),
			Destination: &cfg.dimensions,
		},
		&cli.DurationFlag{
			Name:        "store-timeout",
			Usage:       "Timeout of a single store operation",
			Value:       800 * time.Millisecond,
			Sources:     cli.EnvVars("RENDEZVOUS_STORE_TIMEOUT"),
			Destination: &cfg.storeTimeout,
		},
		&cli.IntFlag{
			Name:        "store-retries",
			Usage:       "Attempts of a store operation failing transiently",
			Value:       3,
			Sources:     cli.EnvVars("RENDEZVOUS_STORE_RETRIES"),
			Destination: &cfg.storeRetries,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model used by the claude memory policy",
			Sources:     cli.EnvVars("RENDEZVOUS_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini generative model",
			Sources:     cli.EnvVars("RENDEZVOUS_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini embedding model",
			Sources:     cli.EnvVars("RENDEZVOUS_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-cache",
			Usage:       "Maximum cached embeddings (0 disables the cache)",
			Value:       10000,
			Sources:     cli.EnvVars("RENDEZVOUS_EMBEDDING_CACHE"),
			Destination: &cfg.embeddingCache,
		},
	}
}

func memoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "memory-policy",
			Usage:       "Policy deciding what to remember (heuristic, gemini, claude, rego)",
			Value:       "heuristic",
			Sources:     cli.EnvVars("RENDEZVOUS_MEMORY_POLICY"),
			Destination: &cfg.policy,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of .rego files for the rego policy (built-in policy if empty)",
			Sources:     cli.EnvVars("RENDEZVOUS_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.IntFlag{
			Name:        "memory-max-per-owner",
			Usage:       "Memories kept per owner (0 is unlimited)",
			Sources:     cli.EnvVars("RENDEZVOUS_MEMORY_MAX_PER_OWNER"),
			Destination: &cfg.maxPerOwner,
		},
	}
}

func schedulingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "booking-retries",
			Usage:       "Extra attempts to book an alternative slot after a conflict",
			Value:       1,
			Sources:     cli.EnvVars("RENDEZVOUS_BOOKING_RETRIES"),
			Destination: &cfg.bookingRetries,
		},
		&cli.DurationFlag{
			Name:        "alternative-window",
			Usage:       "Search window for an alternative slot of the same length (0 means same interval only)",
			Sources:     cli.EnvVars("RENDEZVOUS_ALTERNATIVE_WINDOW"),
			Destination: &cfg.alternativeWindow,
		},
	}
}

func checkpointFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "compression",
			Usage:       "Checkpoint compression (zstd, lz4, none)",
			Value:       "zstd",
			Sources:     cli.EnvVars("RENDEZVOUS_COMPRESSION"),
			Destination: &cfg.compression,
		},
	}
}

func (cfg *config) backoff() backoff.Policy {
	p := backoff.Default()
	if cfg.storeRetries > 0 {
		p.Attempts = int(cfg.storeRetries)
	}
	p.Timeout = cfg.storeTimeout
	return p
}

// newRepository creates the configured backend
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	opts := []repository.Option{
		repository.WithCollectionNames(repository.CollectionNames{
			Slots:       cfg.slotsColl,
			Checkpoints: cfg.cpColl,
			Memories:    cfg.memoriesColl,
		}),
		repository.WithDimensions(int(cfg.dimensions)),
	}

	switch cfg.backend {
	case "memory":
		logging.From(ctx).Warn("in-memory backend selected, data is lost on exit")
		return repository.NewInMemory(opts...), nil

	case "sqlite":
		if cfg.sqlitePath == "" {
			return nil, goerr.New("sqlite-path is required")
		}
		repo, err := repository.NewSQLite(ctx, cfg.sqlitePath, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open SQLite repository", goerr.V("path", cfg.sqlitePath))
		}
		return repo, nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}
		if cfg.bucket != "" {
			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return nil, err
			}
			opts = append(opts, repository.WithBlobStorage(storage, inlineCheckpointLimit))
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil

	default:
		return nil, goerr.New("unknown backend", goerr.V("backend", cfg.backend))
	}
}

// newClaude creates a new Claude adapter instance
func (cfg *config) newClaude() (adapter.Claude, error) {
	if cfg.anthropicAPIKey == "" {
		return nil, goerr.New("anthropic-api-key is required")
	}
	var opts []adapter.ClaudeOption
	if cfg.claudeModel != "" {
		opts = append(opts, adapter.WithClaudeModel(cfg.claudeModel))
	}
	return adapter.NewClaude(cfg.anthropicAPIKey, opts...), nil
}

// newGemini creates the Gemini adapter once per command
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	if cfg.gemini != nil {
		return cfg.gemini, nil
	}
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.generativeModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.generativeModel))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}

	gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client")
	}
	cfg.gemini = gemini
	return gemini, nil
}

// newEmbedder returns a cached Gemini embedder, or the offline hash
// embedder when no Gemini project is configured. The returned func
// releases the cache.
func (cfg *config) newEmbedder(ctx context.Context) (adapter.Embedder, func(), error) {
	dims := int(cfg.dimensions)
	if cfg.geminiProject == "" {
		logging.From(ctx).Warn("gemini-project not set, using offline hash embedder", "dimensions", dims)
		return adapter.NewHashEmbedder(dims), func() {}, nil
	}

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, nil, err
	}
	base := adapter.NewGeminiEmbedder(gemini, dims)
	if cfg.embeddingCache <= 0 {
		return base, func() {}, nil
	}

	cached, err := adapter.NewCachedEmbedder(base, cfg.embeddingCache)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return cached, cached.Close, nil
}

// newStorage creates a new Storage adapter instance
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, goerr.New("bucket is required")
	}

	var opts []adapter.StorageOption
	if cfg.bucketPrefix != "" {
		opts = append(opts, adapter.WithStoragePrefix(cfg.bucketPrefix))
	}
	storage, err := adapter.NewStorage(ctx, cfg.bucket, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newPolicy creates the policy deciding what remember stores
func (cfg *config) newPolicy(ctx context.Context) (memory.Policy, error) {
	switch cfg.policy {
	case "heuristic", "":
		return memory.NewHeuristic(), nil

	case "gemini":
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		return memory.NewGeminiPolicy(gemini), nil

	case "claude":
		claude, err := cfg.newClaude()
		if err != nil {
			return nil, err
		}
		return memory.NewClaudePolicy(claude), nil

	case "rego":
		var (
			p   *policy.Retention
			err error
		)
		if cfg.policyDir != "" {
			p, err = policy.NewRetention(ctx, cfg.policyDir)
		} else {
			p, err = policy.NewDefaultRetention(ctx)
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load retention policy", goerr.V("dir", cfg.policyDir))
		}
		return p, nil

	default:
		return nil, goerr.New("unknown memory policy", goerr.V("policy", cfg.policy))
	}
}

// newMemory builds the memory manager over repo
func (cfg *config) newMemory(ctx context.Context, repo repository.MemoryIndex) (*memory.Manager, func(), error) {
	embedder, release, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := cfg.newPolicy(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}

	mgr := memory.New(repo, embedder,
		memory.WithPolicy(p),
		memory.WithMaxPerOwner(int(cfg.maxPerOwner)),
		memory.WithBackoff(cfg.backoff()),
	)
	return mgr, release, nil
}

func (cfg *config) newScheduling(repo repository.SlotStore) *scheduling.UseCase {
	return scheduling.New(repo,
		scheduling.WithBookingRetries(int(cfg.bookingRetries)),
		scheduling.WithAlternativeWindow(cfg.alternativeWindow),
		scheduling.WithBackoff(cfg.backoff()),
	)
}

func (cfg *config) newCompression() (codec.Compression, error) {
	c, err := codec.ParseCompression(cfg.compression)
	if err != nil {
		return codec.CompressionNone, goerr.Wrap(err, "invalid compression")
	}
	return c, nil
}
