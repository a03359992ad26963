package locking

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-snapshot-mssql/internal/config"
	"github.com/katasec/dstream-snapshot-mssql/internal/utils"
)

// LockerFactory creates DistributedLocker instances based on the configuration
type LockerFactory struct {
	cfg                config.LockConfig
	dbConnectionString string
	logger             hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory. The database connection
// string is only used to derive the per-server lock folder.
func NewLockerFactory(cfg config.LockConfig, dbConnectionString string, logger hclog.Logger) *LockerFactory {
	return &LockerFactory{
		cfg:                cfg,
		dbConnectionString: dbConnectionString,
		logger:             logger,
	}
}

// CreateLocker returns the configured locker, or nil when locking is disabled
func (f *LockerFactory) CreateLocker(ctx context.Context) (DistributedLocker, error) {
	switch f.cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryLocker(), nil
	case "azure_blob":
		return NewBlobLocker(ctx, f.cfg.ConnectionString, f.cfg.ContainerName, f.logger.Named("locking"))
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.cfg.Type)
	}
}

// GetLockName returns <server>/<table>.lock, or <table>.lock when the server
// name cannot be derived from the connection string
func (f *LockerFactory) GetLockName(tableName string) string {
	if f.dbConnectionString != "" {
		serverName, err := utils.ExtractServerNameFromConnectionString(f.dbConnectionString)
		if err == nil && serverName != "" {
			return serverName + "/" + GetBlobLockName(tableName)
		}
	}
	return GetBlobLockName(tableName)
}
