package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"admitd/audit"
	"admitd/core"
	"admitd/shard"
	"admitd/storage"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port string `yaml:"port"`

	JWTSecret     string `yaml:"jwt_secret"`
	TokenDuration int    `yaml:"token_duration"`
	IdentitySalt  string `yaml:"identity_salt"`
	ReceiptKey    string `yaml:"receipt_key"`

	ElectionCacheTTL   int `yaml:"election_cache_ttl"`
	PartitionTimeoutMS int `yaml:"partition_timeout_ms"`
	PartitionRetries   int `yaml:"partition_retries"`

	DB        DBConfig         `yaml:"db"`
	Nonces    NonceConfig      `yaml:"nonces"`
	Shard     ShardConfig      `yaml:"shard"`
	Audit     AuditConfig      `yaml:"audit"`
	Elections []ElectionConfig `yaml:"elections"`
}

type DBConfig struct {
	Type       string `yaml:"type"`
	SQLitePath string `yaml:"sqlite_path"`
}

type NonceConfig struct {
	Type  string              `yaml:"type"`
	Redis storage.RedisConfig `yaml:"redis"`
}

type ShardConfig struct {
	Strategy   string              `yaml:"strategy"`
	Partitions []PartitionConfig   `yaml:"partitions"`
	Pools      map[string][]string `yaml:"pools"`
}

type PartitionConfig struct {
	ID         string                  `yaml:"id"`
	SQLitePath string                  `yaml:"sqlite_path"`
	Postgres   *storage.PostgresConfig `yaml:"postgres,omitempty"`
}

type AuditConfig struct {
	Type string `yaml:"type"`
	Dir  string `yaml:"dir"`
}

type ElectionConfig struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Status   string    `yaml:"status"`
	OpensAt  time.Time `yaml:"opens_at"`
	ClosesAt time.Time `yaml:"closes_at"`
}

func main() {
	configPath := getEnv("CONFIG_PATH", "config.yaml")
	appConfig := loadConfigFromYAML(configPath)

	coreConfig := &core.Config{
		JWTSecret:          appConfig.JWTSecret,
		TokenDuration:      appConfig.TokenDuration,
		IdentitySalt:       appConfig.IdentitySalt,
		ReceiptKey:         appConfig.ReceiptKey,
		ElectionCacheTTL:   appConfig.ElectionCacheTTL,
		PartitionTimeoutMS: appConfig.PartitionTimeoutMS,
		PartitionRetries:   appConfig.PartitionRetries,
	}
	coreConfig.Normalize()
	validateSecrets(coreConfig)

	repo := initRepository(appConfig.DB)
	nonces := initNonceStore(appConfig.Nonces, repo)
	partitions := initPartitions(appConfig.DB, appConfig.Shard)
	ledger := initLedger(appConfig.Audit)

	strategy, err := shard.NewStrategy(appConfig.Shard.Strategy, appConfig.Shard.Pools)
	if err != nil {
		log.Fatalf("Failed to build shard strategy: %v", err)
	}
	router, err := shard.NewRouter(strategy, partitions)
	if err != nil {
		log.Fatalf("Failed to build shard router: %v", err)
	}

	seedElections(repo, appConfig.Elections)

	elections, err := core.NewElectionCache(repo, time.Duration(coreConfig.ElectionCacheTTL)*time.Second)
	if err != nil {
		log.Fatalf("Failed to build election cache: %v", err)
	}

	resolver := core.NewIdentityResolver(repo, []byte(coreConfig.IdentitySalt))
	issuer := core.NewTokenIssuer(coreConfig, elections, nonces)
	admission := core.NewAdmissionService(coreConfig, elections, nonces, router, ledger)
	server := core.NewServer(resolver, issuer, admission, coreConfig)

	go sweepExpiredNonces(nonces)

	http.HandleFunc("/register", server.HandleRegister)
	http.HandleFunc("/token", server.HandleIssueToken)
	http.HandleFunc("/vote", server.HandleVote)
	http.HandleFunc("/health", server.HandleHealth)
	http.HandleFunc("/topology", func(w http.ResponseWriter, r *http.Request) {
		epoch, statuses := router.Snapshot()
		respondTopology(w, epoch, statuses)
	})

	log.Printf("Starting admitd server on port %s", appConfig.Port)
	log.Printf("Shard strategy: %s, partitions: %d", strategy.Name(), len(partitions))

	if err := http.ListenAndServe(":"+appConfig.Port, nil); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func loadConfigFromYAML(path string) *AppConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read config file %s: %v", path, err)
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		log.Fatalf("Failed to parse config file: %v", err)
	}

	return &config
}

func validateSecrets(cfg *core.Config) {
	if cfg.JWTSecret == "" {
		log.Fatal("jwt_secret is required")
	}
	if cfg.IdentitySalt == "" || len(cfg.IdentitySalt) > 64 {
		log.Fatal("identity_salt is required and must be at most 64 bytes")
	}
	if cfg.ReceiptKey == "" || len(cfg.ReceiptKey) > 64 {
		log.Fatal("receipt_key is required and must be at most 64 bytes")
	}
}

func initRepository(dbConfig DBConfig) repository {
	switch strings.ToLower(dbConfig.Type) {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(dbConfig.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite repository: %v", err)
		}
		log.Printf("Using SQLite database: %s", dbConfig.SQLitePath)
		return repo

	case "mock":
		log.Println("Using mock repository (in-memory)")
		return storage.NewMockRepository()

	default:
		log.Fatalf("Unsupported DB type: %s (supported: sqlite, mock)", dbConfig.Type)
		return nil
	}
}

// repository joins the read/write capabilities the wiring needs from one
// backing store.
type repository interface {
	core.IdentityRepository
	core.ElectionRepository
}

func initNonceStore(cfg NonceConfig, repo repository) core.NonceStore {
	switch strings.ToLower(cfg.Type) {
	case "redis":
		log.Printf("Using Redis nonce store: %s:%s", cfg.Redis.Host, cfg.Redis.Port)
		return storage.NewRedisNonceStore(cfg.Redis)

	case "sqlite":
		sqliteRepo, ok := repo.(*storage.SQLiteRepository)
		if !ok {
			log.Fatal("sqlite nonce store requires db type sqlite")
		}
		return sqliteRepo

	case "memory", "":
		return storage.NewMemoryNonceStore()

	default:
		log.Fatalf("Unsupported nonce store type: %s (supported: memory, sqlite, redis)", cfg.Type)
		return nil
	}
}

func initPartitions(dbConfig DBConfig, shardConfig ShardConfig) []core.Partition {
	if len(shardConfig.Partitions) == 0 {
		log.Fatal("At least one shard partition is required")
	}

	partitions := make([]core.Partition, 0, len(shardConfig.Partitions))
	for _, pc := range shardConfig.Partitions {
		switch {
		case pc.Postgres != nil:
			db, err := storage.NewPostgresDB(*pc.Postgres)
			if err != nil {
				log.Fatalf("Failed to connect partition %s: %v", pc.ID, err)
			}
			partition, err := storage.NewPostgresPartition(pc.ID, db)
			if err != nil {
				log.Fatalf("Failed to initialize partition %s: %v", pc.ID, err)
			}
			partitions = append(partitions, partition)

		case pc.SQLitePath != "":
			partition, err := storage.NewSQLitePartition(pc.ID, pc.SQLitePath)
			if err != nil {
				log.Fatalf("Failed to initialize partition %s: %v", pc.ID, err)
			}
			partitions = append(partitions, partition)

		case strings.ToLower(dbConfig.Type) == "mock":
			partitions = append(partitions, storage.NewMemoryPartition(pc.ID))

		default:
			log.Fatalf("Partition %s has no backend configured", pc.ID)
		}
	}
	return partitions
}

func initLedger(cfg AuditConfig) core.Ledger {
	switch strings.ToLower(cfg.Type) {
	case "memory":
		log.Println("Using in-memory audit ledger")
		return audit.NewMemoryLedger()

	case "file", "":
		ledger, err := audit.NewFileLedger(cfg.Dir)
		if err != nil {
			log.Fatalf("Failed to initialize audit ledger: %v", err)
		}
		log.Printf("Audit ledger resumed at index %d", ledger.LastIndex())
		return ledger

	default:
		log.Fatalf("Unsupported audit ledger type: %s (supported: file, memory)", cfg.Type)
		return nil
	}
}

func seedElections(repo repository, elections []ElectionConfig) {
	ctx := context.Background()
	for _, ec := range elections {
		err := repo.CreateElection(ctx, &core.Election{
			ID:       ec.ID,
			Name:     ec.Name,
			Status:   core.ElectionStatus(ec.Status),
			OpensAt:  ec.OpensAt,
			ClosesAt: ec.ClosesAt,
		})
		if err != nil && err != core.ErrAlreadyExists {
			log.Fatalf("Failed to seed election %s: %v", ec.ID, err)
		}
	}
}

func sweepExpiredNonces(nonces core.NonceStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		removed, err := nonces.DeleteExpired(context.Background())
		if err != nil {
			log.Printf("Nonce sweep failed: %v", err)
			continue
		}
		if removed > 0 {
			log.Printf("Swept %d expired nonces", removed)
		}
	}
}

func respondTopology(w http.ResponseWriter, epoch uint64, statuses []shard.PartitionStatus) {
	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Epoch      uint64                  `json:"epoch"`
		Partitions []shard.PartitionStatus `json:"partitions"`
	}{Epoch: epoch, Partitions: statuses}
	if err := jsonEncode(w, resp); err != nil {
		log.Printf("Failed to write topology response: %v", err)
	}
}

func jsonEncode(w http.ResponseWriter, v interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
