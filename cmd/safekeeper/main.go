package main

import (
	"fmt"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/linux/projects/server/walproxy/internal/auth"
	"github.com/linux/projects/server/walproxy/internal/metadb"
	"github.com/linux/projects/server/walproxy/internal/segment"
	"github.com/linux/projects/server/walproxy/internal/skserver"
	"github.com/linux/projects/server/walproxy/internal/tlsutil"
)

var (
	listenPort = flag.Int("port", 5454, "TCP port to accept proxy connections on")
	opsPort    = flag.Int("ops-port", 8090, "HTTP port for the read-only ops/status API")
	dataDir    = flag.String("data-dir", "./safekeeper-data", "Data directory for WAL segment storage")
	walSegSize = flag.Uint64("wal-seg-size", 16*1024*1024, "WAL segment size in bytes")

	apiKey     = flag.String("api-key", "", "API key required on the ops API (optional)")
	authTokens = flag.String("auth-tokens", "", "Comma-separated bearer tokens accepted on the ops API")

	tlsEnabled  = flag.Bool("tls", false, "Enable TLS on the ops API")
	tlsCertFile = flag.String("tls-cert", "", "Path to TLS certificate file")
	tlsKeyFile  = flag.String("tls-key", "", "Path to TLS private key file")

	s3Bucket    = flag.String("s3-bucket", "", "S3 bucket for cold segment archival (optional)")
	s3Endpoint  = flag.String("s3-endpoint", "", "S3-compatible endpoint")
	s3Region    = flag.String("s3-region", "us-east-1", "AWS region for segment archival")
	s3AccessKey = flag.String("s3-access-key", "", "S3 access key ID")
	s3SecretKey = flag.String("s3-secret-key", "", "S3 secret access key")
	s3Prefix    = flag.String("s3-prefix", "", "Optional key prefix for archived segments")
)

func main() {
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("safekeeper: create data dir: %v", err)
	}
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		log.Fatalf("safekeeper: resolve data dir: %v", err)
	}

	meta, err := metadb.Open(filepath.Join(absDataDir, "meta.db"))
	if err != nil {
		log.Fatalf("safekeeper: open metadata store: %v", err)
	}
	defer meta.Close()

	archiver, err := segment.NewArchiver(segment.ArchiveConfig{
		Bucket:    *s3Bucket,
		Prefix:    *s3Prefix,
		Region:    *s3Region,
		Endpoint:  *s3Endpoint,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
	})
	if err != nil {
		log.Fatalf("safekeeper: init archiver: %v", err)
	}
	defer archiver.Close()
	if archiver.Enabled() {
		log.Printf("safekeeper: cold archival enabled: bucket=%s", *s3Bucket)
	}

	srv := skserver.NewServer(absDataDir, *walSegSize, meta, archiver)

	log.Printf("safekeeper: listening for proxy connections on :%d", *listenPort)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *listenPort))
	if err != nil {
		log.Fatalf("safekeeper: listen: %v", err)
	}
	go acceptLoop(listener, srv)

	r := gin.Default()
	if *apiKey != "" || *authTokens != "" {
		mw := auth.NewAuthMiddleware(*apiKey, *authTokens)
		r.Use(func(c *gin.Context) {
			if !mw.Authenticate(c.Request) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				return
			}
			c.Next()
		})
		log.Printf("safekeeper: ops API authentication enabled")
	}
	skserver.NewOpsHandler(srv).Register(r)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *opsPort),
		Handler: r,
	}
	if err := tlsutil.Configure(httpServer, *tlsEnabled, *tlsCertFile, *tlsKeyFile); err != nil {
		log.Fatalf("safekeeper: configure TLS: %v", err)
	}

	log.Printf("safekeeper: ops API listening on :%d (tls=%v)", *opsPort, *tlsEnabled)
	if *tlsEnabled {
		log.Fatal(httpServer.ListenAndServeTLS("", ""))
	}
	log.Fatal(httpServer.ListenAndServe())
}

func acceptLoop(listener net.Listener, srv *skserver.Server) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("safekeeper: accept: %v", err)
			continue
		}
		go func() {
			if err := srv.ServeProxy(conn); err != nil {
				log.Printf("safekeeper: proxy session ended: %v", err)
			}
		}()
	}
}
