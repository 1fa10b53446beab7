// Package testing provides sqlite-backed partitions and fixtures for package tests
package testing

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultPartitions are the partition names every test registry carries
var DefaultPartitions = []string{"p1", "p2"}

var dbSeq atomic.Int64

// TestDB represents one isolated set of in-memory databases: a control store and
// one store per partition, wired into a registry
type TestDB struct {
	Control    *gorm.DB
	Partitions map[string]*gorm.DB
	Registry   *tenancy.Registry
	Name       string
}

// SetupTestDB creates fresh in-memory databases with a unique name and migrates them
func SetupTestDB(partitions ...string) (*TestDB, error) {
	if len(partitions) == 0 {
		partitions = DefaultPartitions
	}
	name := fmt.Sprintf("wa_test_%d", dbSeq.Add(1))

	control, err := openMemory(name, "control")
	if err != nil {
		return nil, err
	}
	if err := control.AutoMigrate(models.ControlModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate control database %s: %w", name, err)
	}

	tdb := &TestDB{
		Control:    control,
		Partitions: make(map[string]*gorm.DB, len(partitions)),
		Registry:   tenancy.NewRegistry(control, zap.NewNop()),
		Name:       name,
	}
	for _, p := range partitions {
		db, err := openMemory(name, p)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(models.PartitionModels()...); err != nil {
			return nil, fmt.Errorf("failed to migrate partition %s of %s: %w", p, name, err)
		}
		if err := tdb.Registry.AddPartition(p, db); err != nil {
			return nil, err
		}
		tdb.Partitions[p] = db
	}

	return tdb, nil
}

// openMemory opens a named shared-cache in-memory database pinned to one connection,
// so every handle of the same name sees the same data
func openMemory(name, part string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared&_busy_timeout=5000", name, part)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open test database %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// TeardownTestDB closes every connection; in-memory data goes with them
func (tdb *TestDB) TeardownTestDB() error {
	var firstErr error
	closeDB := func(db *gorm.DB) {
		if db == nil {
			return
		}
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, db := range tdb.Partitions {
		closeDB(db)
	}
	closeDB(tdb.Control)
	return firstErr
}

// TestWithDB is a helper function that sets up the test databases, runs the test function, and cleans up
func TestWithDB(testFunc func(*TestDB) error) error {
	testDB, err := SetupTestDB()
	if err != nil {
		return fmt.Errorf("failed to setup test database: %w", err)
	}
	defer func() {
		if cleanupErr := testDB.TeardownTestDB(); cleanupErr != nil {
			log.Printf("Warning: failed to cleanup test database: %v", cleanupErr)
		}
	}()

	return testFunc(testDB)
}

// CreateTestContext creates a context for testing
func CreateTestContext() context.Context {
	return context.Background()
}
