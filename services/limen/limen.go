package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"embed"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/blobstore"
	"github.com/relabs-tech/limen/core/bridge"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/feed"
	"github.com/relabs-tech/limen/core/gateway"
	"github.com/relabs-tech/limen/core/logger"
	"github.com/relabs-tech/limen/core/ratelimit"
	"github.com/relabs-tech/limen/core/realtime"
	"github.com/relabs-tech/limen/core/registry"
	"github.com/relabs-tech/limen/core/rules"
	"github.com/relabs-tech/limen/core/schema"
	"github.com/relabs-tech/limen/core/translate"
	"github.com/relabs-tech/limen/core/txn"
)

// payload schemas the configuration refers to through schema_id
//
//go:embed *.json refs
var schemasFS embed.FS

var configurationJSON string = `
{
	"resources": [
	  {
		"resource": "profiles",
		"description": "public profile, one row per account",
		"self_keyed": true
	  },
	  {
		"resource": "messages",
		"description": "direct messages between two accounts",
		"owner_identity_column": "&symmetric",
		"participant_columns": ["sender_id", "recipient_id"],
		"allowed_operations": ["select", "insert", "delete"]
	  },
	  {
		"resource": "notes",
		"owner_only": true,
		"schema_id": "https://relabs.tech/schemas/note.json"
	  },
	  {
		"resource": "announcements",
		"allowed_operations": ["select"]
	  },
	  {
		"resource": "audit",
		"required_role": "admin",
		"allowed_operations": ["select"]
	  }
	],
	"buckets": [
	  {
		"bucket": "avatars",
		"owner_prefixed": true,
		"mutable": true,
		"max_age_cache": 86400
	  },
	  {
		"bucket": "attachments",
		"mutable": true
	  },
	  {
		"bucket": "exports",
		"required_role": "admin",
		"presigned_url_validity": 3600
	  }
	]
}
`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres           string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port               string `env:"PORT,default=3000" description:"the HTTP listen port"`
	LogLevel           string `env:"LOGLEVEL,default=info" description:"the log level"`
	PublicURL          string `env:"PUBLIC_URL,default=http://localhost:3000" description:"the outside address presigned URLs are built on"`
	CORSOrigins        string `env:"CORS_ORIGINS,default=*" description:"comma separated list of allowed browser origins"`
	JwtSecret          string `env:"JWT_SECRET" description:"shared secret for HS256 token verification"`
	JwtPublicKeyURL    string `env:"JWT_PUBLIC_KEY_URL" description:"download url for RS256 public keys"`
	JwtIssuer          string `env:"JWT_ISSUER" description:"accepted token issuer"`
	ProviderVerifyURL  string `env:"PROVIDER_VERIFY_URL" description:"identity provider endpoint validating bearer tokens"`
	ProviderServiceKey string `env:"PROVIDER_SERVICE_KEY" description:"the gateway's own credential for the identity provider"`
	RateLimit          int    `env:"RATE_LIMIT,default=0" description:"requests allowed per caller and minute, 0 disables"`
	Redis              string `env:"REDIS" description:"redis address for shared rate limit counters"`
	KafkaBrokers       string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers for the change feed"`
	KafkaTopic         string `env:"KAFKA_TOPIC,default=limen-changes" description:"the change feed topic"`
	KafkaGroup         string `env:"KAFKA_GROUP,default=limen" description:"the change feed consumer group"`
	QueueURL           string `env:"SQS_QUEUE_URL" description:"SQS queue mirroring all change events"`
	MQTT               string `env:"MQTT" description:"MQTT listen address for the device bridge, e.g. :1883"`
	StorageDriver      string `env:"STORAGE_DRIVER" description:"blob storage driver, Local or AWSS3"`
	StorageBasePath    string `env:"STORAGE_BASE_PATH,default=/var/lib/limen/storage" description:"base folder for the local blob driver"`
	S3Bucket           string `env:"S3_BUCKET" description:"bucket name for the S3 blob driver"`
	AWSRegion          string `env:"AWS_REGION,default=eu-central-1" description:"region for S3 and SQS"`
	AWSAccessID        string `env:"AWS_ACCESS_ID" description:"static AWS credentials, the default chain applies when empty"`
	AWSAccessKey       string `env:"AWS_ACCESS_KEY" description:"static AWS credentials, the default chain applies when empty"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	db := csql.OpenWithSchema(service.Postgres, "limen")
	defer db.Close()
	ensureTables(db)

	rulesRegistry := rules.MustNewFromJSON([]byte(configurationJSON))
	schemas, err := schema.NewValidatorFromFS(schemasFS)
	if err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)

	verifier := newVerifier(service, db)
	roles := access.NewStoreRoles(db, time.Minute)
	if err := access.EnsureFunctionAccounts(db, access.FunctionAccount{
		Subject: "limen-cli",
		Roles:   []string{access.AdminRole},
	}); err != nil {
		panic(err)
	}

	blobs, err := blobstore.NewDriver(router, service.PublicURL, blobConfiguration(service, db))
	if err != nil {
		panic(err)
	}

	hub := realtime.NewHub(&realtime.HubBuilder{})

	var limiter ratelimit.Limiter
	if service.Redis != "" {
		limiter = ratelimit.NewRedis(redis.NewClient(&redis.Options{Addr: service.Redis}), time.Minute)
	}

	var forwarder *feed.Forwarder
	if service.QueueURL != "" {
		forwarder, err = feed.NewForwarder(&feed.ForwarderBuilder{
			QueueURL:  service.QueueURL,
			AWSRegion: service.AWSRegion,
			AccessID:  service.AWSAccessID,
			AccessKey: service.AWSAccessKey,
		})
		if err != nil {
			panic(err)
		}
	}

	// every successful write fans out to the realtime hub, the MQTT
	// notify topics and the egress queue
	var broker *bridge.Broker
	onChange := func(ctx context.Context, resource string, kind core.ChangeKind, record, oldRecord map[string]any) {
		hub.Notify(resource, kind, record, oldRecord)
		if broker != nil {
			broker.Notify(resource, kind, record, oldRecord)
		}
		if forwarder != nil {
			forwarder.Forward(ctx, resource, kind, record, oldRecord)
		}
	}

	origins := splitList(service.CORSOrigins)
	gateway.New(&gateway.Builder{
		Rules:          rulesRegistry,
		DB:             db,
		Router:         router,
		Verifier:       verifier,
		Roles:          roles,
		Hub:            hub,
		OriginPatterns: origins,
		Blobs:          blobs,
		Schemas:        schemas,
		OnChange:       onChange,
		Limiter:        limiter,
		RateLimit:      service.RateLimit,
	})

	if service.MQTT != "" {
		broker = bridge.NewBroker(&bridge.Builder{
			Address:    service.MQTT,
			Verifier:   verifier,
			Rules:      rulesRegistry,
			Translator: translate.New(rulesRegistry, db.Schema),
			Executor:   &translate.Executor{OnChange: onChange},
			DB:         db,
		})
	}

	var consumer *feed.Consumer
	if service.KafkaBrokers != "" {
		consumer = feed.NewConsumer(&feed.ConsumerBuilder{
			Brokers:  splitList(service.KafkaBrokers),
			Topic:    service.KafkaTopic,
			GroupID:  service.KafkaGroup,
			Notifier: hub,
		})
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", txn.HeaderTransactionID}),
		handlers.ExposedHeaders([]string{txn.HeaderTransactionID, "Pagination-Limit",
			"Pagination-Total-Count", "Pagination-Page-Count", "Pagination-Current-Page"}),
	)
	server := &http.Server{Addr: ":" + service.Port, Handler: cors(handlers.CompressHandler(router))}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Default().Infoln("listen on port :" + service.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if consumer != nil {
		group.Go(func() error {
			return consumer.Run(ctx)
		})
	}
	if broker != nil {
		group.Go(func() error {
			return broker.Run(ctx)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Default().WithError(err).Fatalln("service failed")
	}
	logger.Default().Infoln("service stopped")
}

// newVerifier picks the credential verifier from the configuration. The
// provider verifier wins when both are configured, local JWT
// verification is the fallback.
func newVerifier(service *Service, db *csql.DB) access.Verifier {
	if service.ProviderVerifyURL != "" {
		return access.NewProviderVerifier(&access.ProviderVerifierBuilder{
			VerifyURL:  service.ProviderVerifyURL,
			ServiceKey: service.ProviderServiceKey,
		})
	}
	if service.JwtSecret != "" || service.JwtPublicKeyURL != "" {
		return access.NewJwtVerifier(&access.JwtVerifierBuilder{
			Secret:               service.JwtSecret,
			PublicKeyDownloadURL: service.JwtPublicKeyURL,
			Issuer:               service.JwtIssuer,
			DB:                   db,
		})
	}
	panic("no verifier configured, set PROVIDER_VERIFY_URL, JWT_SECRET or JWT_PUBLIC_KEY_URL")
}

func blobConfiguration(service *Service, db *csql.DB) blobstore.Configuration {
	switch blobstore.DriverType(service.StorageDriver) {
	case blobstore.DriverTypeLocal:
		return blobstore.Configuration{
			DriverType: blobstore.DriverTypeLocal,
			LocalConfiguration: &blobstore.LocalConfiguration{
				BasePath:   service.StorageBasePath,
				PrivateKey: presignKey(db),
			},
		}
	case blobstore.DriverTypeAWSS3:
		return blobstore.Configuration{
			DriverType: blobstore.DriverTypeAWSS3,
			S3Configuration: &blobstore.S3Configuration{
				AccessID:      service.AWSAccessID,
				AccessKey:     service.AWSAccessKey,
				AWSBucketName: service.S3Bucket,
				AWSRegion:     service.AWSRegion,
				KeyPrefix:     "limen",
			},
		}
	}
	return blobstore.Configuration{}
}

// presignKey loads the URL signing key for the local blob driver from
// the registry, generating and storing one on first start. A stored key
// keeps presigned URLs valid across restarts and across instances
// sharing the database.
func presignKey(db *csql.DB) *rsa.PrivateKey {
	accessor := registry.New(db).Accessor("_storage_")
	ctx := context.Background()

	var keyPEM string
	if _, err := accessor.Read(ctx, "presign_key", &keyPEM); err != nil {
		panic(err)
	}
	if keyPEM == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		keyPEM = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
		if err := accessor.Write(ctx, "presign_key", keyPEM); err != nil {
			panic(err)
		}
		return key
	}
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		panic("registry entry presign_key is not a PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		panic(err)
	}
	return key
}

func splitList(value string) []string {
	var list []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}

// ensureTables creates the example tables the embedded configuration
// refers to. Production deployments manage their tables themselves and
// point the gateway at them through the rules document.
func ensureTables(db *csql.DB) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."profiles" (
id varchar NOT NULL,
display_name varchar NOT NULL DEFAULT '',
status varchar NOT NULL DEFAULT '',
PRIMARY KEY (id)
);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."messages" (
id uuid NOT NULL DEFAULT uuid_generate_v4(),
sender_id varchar NOT NULL,
recipient_id varchar NOT NULL,
body varchar NOT NULL DEFAULT '',
sent_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY (id)
);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."notes" (
id uuid NOT NULL DEFAULT uuid_generate_v4(),
user_id varchar NOT NULL,
body varchar NOT NULL DEFAULT '',
PRIMARY KEY (id)
);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."announcements" (
id uuid NOT NULL DEFAULT uuid_generate_v4(),
title varchar NOT NULL,
body varchar NOT NULL DEFAULT '',
published_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY (id)
);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."audit" (
id uuid NOT NULL DEFAULT uuid_generate_v4(),
subject varchar NOT NULL,
action varchar NOT NULL,
at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY (id)
);`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			panic(err)
		}
	}
}
