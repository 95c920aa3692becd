package testenv

import (
	"context"
	"fmt"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	MongoImage    = "mongo:7"
	PostgresImage = "postgres:16-alpine"
	RedisImage    = "redis:7-alpine"
)

// Enabled reports whether integration tests were requested.
func Enabled() bool {
	return os.Getenv("AGL_INTEGRATION") == "1"
}

func skipUnlessEnabled(t *testing.T) {
	t.Helper()
	if !Enabled() {
		t.Skip("set AGL_INTEGRATION=1 to run tests against docker databases")
	}
}

// Mongo returns the URI of a fresh MongoDB server. AGL_TEST_MONGO_URI reuses
// an existing server instead of starting a container.
func Mongo(t *testing.T) string {
	t.Helper()
	skipUnlessEnabled(t)
	if uri := os.Getenv("AGL_TEST_MONGO_URI"); uri != "" {
		return uri
	}
	c := start(t, Service{
		Image: MongoImage,
		Port:  "27017/tcp",
		Ready: func(ctx context.Context, hostPort string) error {
			cli, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://"+hostPort))
			if err != nil {
				return err
			}
			defer cli.Disconnect(context.Background())
			return cli.Ping(ctx, readpref.Primary())
		},
	})
	return "mongodb://" + c.HostPort
}

// Postgres returns the DSN of a fresh PostgreSQL database.
// AGL_TEST_POSTGRES_DSN reuses an existing database instead.
func Postgres(t *testing.T) string {
	t.Helper()
	skipUnlessEnabled(t)
	if dsn := os.Getenv("AGL_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	c := start(t, Service{
		Image: PostgresImage,
		Env:   []string{"POSTGRES_USER=agl", "POSTGRES_PASSWORD=agl", "POSTGRES_DB=agl"},
		Port:  "5432/tcp",
		Ready: func(ctx context.Context, hostPort string) error {
			db, err := sqlx.ConnectContext(ctx, "pgx", postgresDSN(hostPort))
			if err != nil {
				return err
			}
			return db.Close()
		},
	})
	return postgresDSN(c.HostPort)
}

// Redis returns the host:port of a fresh Redis server. AGL_TEST_REDIS_ADDR
// reuses an existing server instead.
func Redis(t *testing.T) string {
	t.Helper()
	skipUnlessEnabled(t)
	if addr := os.Getenv("AGL_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	c := start(t, Service{
		Image: RedisImage,
		Port:  "6379/tcp",
		Ready: func(ctx context.Context, hostPort string) error {
			rdb := redis.NewClient(&redis.Options{Addr: hostPort})
			defer rdb.Close()
			return rdb.Ping(ctx).Err()
		},
	})
	return c.HostPort
}

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://agl:agl@%s/agl?sslmode=disable", hostPort)
}

func start(t *testing.T, svc Service) *Container {
	t.Helper()
	log := zap.NewNop()
	if testing.Verbose() {
		log, _ = zap.NewDevelopment()
	}
	c, err := Start(context.Background(), log, svc)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Stop(context.Background()); err != nil {
			t.Logf("stop %s: %v", svc.Image, err)
		}
	})
	return c
}
