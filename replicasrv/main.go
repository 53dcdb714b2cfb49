package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/replica/replica"
	"github.com/bringyour/replica/replica/api"
)

const ReplicaSrvVersion = "0.0.1"

func main() {
	usage := `Replica server.

Configuration is read from the environment, after loading the env file if present:
    REPLICA_EVENT_LOG     memory (default), bolt, redis, postgres, mongo
    REPLICA_MAX_RETAINED  memory log record limit. 0 keeps every record until clients acknowledge.
    REPLICA_BOLT_PATH     bolt file [default replica.db]
    REPLICA_REDIS_URL     redis url, e.g. redis://localhost:6379/0
    REPLICA_PG_URL        postgres connection string
    REPLICA_MONGO_URL     mongo connection string
    REPLICA_MONGO_DB      mongo database [default replica]
    REPLICA_LOG_NAME      key prefix or log name in a shared store [default replica]
    REPLICA_JWT_SECRET    hs256 secret. When unset the collection is open.

Usage:
    replicasrv serve [--port=<port>] [--seed=<seed>] [--save] [--read_only]
        [--env=<env>] [--log_level=<level>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    -p --port=<port>   Listen port [default: 8080].
    --seed=<seed>      Json array file with the initial values.
    --save             Write the values back to the seed file on exit.
    --read_only        Reject every client edit.
    --env=<env>        Env file [default: .env].
    --log_level=<level>  Glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaSrvVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(opts docopt.Opts) {
	level, _ := opts.String("--log_level")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
	flag.Parse()
}

func getenv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func serve(opts docopt.Opts) {
	initGlog(opts)

	envPath, _ := opts.String("--env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		glog.Warningf("[srv]env %s error = %s\n", envPath, err)
	}

	port, _ := opts.Int("--port")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	values := []any{}
	seedPath, _ := opts.String("--seed")
	if seedPath != "" {
		var err error
		values, err = loadSeed(seedPath)
		if err != nil {
			glog.Fatalf("[srv]seed %s error = %s\n", seedPath, err)
		}
	}

	list := replica.NewObservableList(values...)
	if readOnly, _ := opts.Bool("--read_only"); readOnly {
		list.SetReadOnly(true)
	}

	eventLog, closeStore, err := openEventLog(ctx)
	if err != nil {
		glog.Fatalf("[srv]event log error = %s\n", err)
	}
	defer closeStore()

	server, err := replica.NewCollectionServerWithDefaults[any](ctx, list, replica.JsonValueCodec[any]{}, eventLog)
	if err != nil {
		glog.Fatalf("[srv]server error = %s\n", err)
	}
	defer server.Close()

	handler := replica.NewSessionHandlerWithDefaults(ctx, server)
	defer handler.Close()

	var auth *api.JwtAuth
	if secret := os.Getenv("REPLICA_JWT_SECRET"); secret != "" {
		auth = api.NewJwtAuth([]byte(secret))
	} else {
		glog.Warningf("[srv]REPLICA_JWT_SECRET is not set. The collection is open.\n")
	}

	routerSettings := api.DefaultRouterSettings()
	routerSettings.Version = ReplicaSrvVersion
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: api.NewRouter(ctx, handler, auth, routerSettings),
	}

	fmt.Printf(
		"Serving %s on *:%d with %d values\n",
		ReplicaSrvVersion,
		port,
		len(values),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				stats := server.Stats()
				glog.Infof(
					"[srv]clients=%d elements=%d last=%d sessions=%d\n",
					stats.Clients,
					stats.Elements,
					stats.LastEventId,
					handler.SessionCount(),
				)
			}
		}
	})

	if err := group.Wait(); err != nil {
		glog.Errorf("[srv]serve error = %s\n", err)
	}

	if save, _ := opts.Bool("--save"); save && seedPath != "" {
		if err := saveSeed(seedPath, list.Values()); err != nil {
			glog.Errorf("[srv]save %s error = %s\n", seedPath, err)
		}
	}
	glog.Flush()
}

func loadSeed(path string) ([]any, error) {
	seedBytes, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []any{}, nil
	} else if err != nil {
		return nil, err
	}
	values := []any{}
	if err := json.Unmarshal(seedBytes, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func saveSeed(path string, values []any) error {
	seedBytes, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, seedBytes, 0644)
}

// returns the event log and a function that closes it with its store connection
func openEventLog(ctx context.Context) (replica.EventLog, func(), error) {
	logName := getenv("REPLICA_LOG_NAME", "replica")

	switch kind := getenv("REPLICA_EVENT_LOG", "memory"); kind {
	case "memory":
		settings := replica.DefaultMemoryEventLogSettings()
		if maxRetained := os.Getenv("REPLICA_MAX_RETAINED"); maxRetained != "" {
			if _, err := fmt.Sscanf(maxRetained, "%d", &settings.MaxRetained); err != nil {
				return nil, nil, fmt.Errorf("REPLICA_MAX_RETAINED: %w", err)
			}
		}
		eventLog := replica.NewMemoryEventLog(settings)
		return eventLog, func() { eventLog.Close() }, nil

	case "bolt":
		db, err := bolt.Open(getenv("REPLICA_BOLT_PATH", "replica.db"), 0600, &bolt.Options{
			Timeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		eventLog, err := replica.NewBoltEventLog(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		// the log owns the db
		return eventLog, func() { eventLog.Close() }, nil

	case "redis":
		redisOptions, err := redis.ParseURL(getenv("REPLICA_REDIS_URL", "redis://localhost:6379/0"))
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(redisOptions)
		eventLog, err := replica.NewRedisEventLog(ctx, client, logName)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return eventLog, func() {
			eventLog.Close()
			client.Close()
		}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, os.Getenv("REPLICA_PG_URL"))
		if err != nil {
			return nil, nil, err
		}
		eventLog, err := replica.NewPostgresEventLog(ctx, pool, logName)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return eventLog, func() {
			eventLog.Close()
			pool.Close()
		}, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(getenv("REPLICA_MONGO_URL", "mongodb://localhost:27017")))
		if err != nil {
			return nil, nil, err
		}
		eventLog, err := replica.NewMongoEventLog(ctx, client.Database(getenv("REPLICA_MONGO_DB", "replica")), logName)
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return eventLog, func() {
			eventLog.Close()
			client.Disconnect(context.Background())
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown event log %s", kind)
	}
}
