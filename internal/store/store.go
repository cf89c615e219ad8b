package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/profile"
	"go.uber.org/zap"
)

// Backend is everything the bridge needs from persistent storage. Both
// *Store and *Memory implement it.
type Backend interface {
	GetProfile(ctx context.Context, userID string) (*profile.UserProfile, error)
	CreateProfile(ctx context.Context, p *profile.UserProfile) error
	UpdateArchetype(ctx context.Context, userID string, a profile.SeekerArchetype) error
	SetCooldown(ctx context.Context, userID string, until time.Time, ceiling int) error
	SetLoopCeiling(ctx context.Context, userID string, ceiling int) error
	ResetLoop(ctx context.Context, userID string, expired time.Time) (bool, error)
	UpdateHebbian(ctx context.Context, userID string, fn profile.HebbianTxFunc) error
	UpdatePhase(ctx context.Context, userID string, fn profile.PhaseTxFunc) error

	ListTriggers(ctx context.Context) ([]archetype.Definition, error)
	GetTrigger(ctx context.Context, id string) (*archetype.Definition, error)
	UpsertTrigger(ctx context.Context, def archetype.Definition) error

	ListLoopEvents(ctx context.Context, userID string, limit int) ([]profile.LoopEvent, error)
	ListPhaseTransitions(ctx context.Context, userID string, limit int) ([]profile.PhaseTransition, error)
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*Memory)(nil)
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory
// in lexical order.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
