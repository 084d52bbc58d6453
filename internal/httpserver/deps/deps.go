package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
	"github.com/MrSnakeDoc/linkfeed/internal/version"
)

// SnapshotBackend is the status view of the snapshot store.
type SnapshotBackend interface {
	Name() string
	Ping(ctx context.Context) error
}

type Deps struct {
	Logger    logger.Logger
	StartTime time.Time
	Build     version.Info
	TimeNow   func() time.Time // for testing, defaults to time.Now

	AllowedCIDRS []string // IPs allowed to access infra endpoints
	TrustProxy   bool     // true if running behind a trusted reverse proxy (e.g., cloudflared)

	Feed         *feed.Feed
	UpstreamKind string // "graphql" or "seed"
	UpstreamURL  string

	Snapshot        SnapshotBackend // nil when snapshots are disabled
	SnapshotTrigger chan struct{}   // manual snapshot trigger (nil when disabled)

	MutationRate  float64 // mutations per second per client IP
	MutationBurst int
}
