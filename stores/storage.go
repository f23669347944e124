package stores

import (
	"context"
	"fmt"

	"github.com/aaryangpatel/ExeterMarketPlace/config"
	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/aws"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/filesystem"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/memory"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/sqldb"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/surreal"
	"github.com/sirupsen/logrus"
)

// GetStore opens the document store selected by cfg.Type.
func GetStore(ctx context.Context, cfg config.Storage) (core.DocumentStore, error) {
	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	var (
		store core.DocumentStore
		err   error
	)
	switch cfg.Type {
	case "filesystem":
		storageField["basePath"] = cfg.LocalPath
		store = filesystem.NewStore(cfg.LocalPath, cfg.PollInterval)
	case "sqlite", "mysql", "postgres":
		dialect, _ := sqldb.DialectByName(cfg.Type)
		storageField["dialect"] = dialect.Name
		store, err = sqldb.NewStore(ctx, dialect, cfg.DataSourceName, cfg.PollInterval)
	case "s3":
		storageField["bucketName"] = cfg.S3Bucket
		store, err = aws.NewStore(ctx, cfg.S3Bucket, cfg.PollInterval)
	case "surrealdb":
		storageField["url"] = cfg.Surreal.URL
		store, err = surreal.NewStore(ctx, surreal.Config{
			URL:       cfg.Surreal.URL,
			Namespace: cfg.Surreal.Namespace,
			Database:  cfg.Surreal.Database,
			User:      cfg.Surreal.User,
			Password:  cfg.Surreal.Password,
		}, cfg.PollInterval)
	case "memory", "":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
