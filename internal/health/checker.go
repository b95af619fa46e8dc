package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, credential, queue, http
	CheckResult
}

// Credentials reports the state of the shared access credential.
type Credentials interface {
	Available() bool
	LastError() string
}

// Queue reports the backlog of a worker pool.
type Queue interface {
	Pending() int
}

// Checker performs health checks on system components.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	// Dependencies
	credentials Credentials
	databases   map[string]*sql.DB
	queues      map[string]Queue
	queueLimit  int

	// Downstream endpoint
	downstreamURL string
	httpClient    *http.Client

	// Timeouts
	dbTimeout          time.Duration
	maxDatabaseLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	Credentials Credentials

	// Databases keyed by component name (snapshot_db, ledger_db).
	Databases map[string]*sql.DB

	// Queues keyed by pool name; a pool is degraded once its backlog reaches
	// QueueLimit.
	Queues     map[string]Queue
	QueueLimit int

	// DownstreamURL is probed for reachability when set.
	DownstreamURL string

	// Timeouts
	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1000
	}

	return &Checker{
		credentials:        cfg.Credentials,
		databases:          cfg.Databases,
		queues:             cfg.Queues,
		queueLimit:         cfg.QueueLimit,
		downstreamURL:      cfg.DownstreamURL,
		httpClient:         &http.Client{Timeout: cfg.HTTPTimeout},
		dbTimeout:          cfg.DBTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check performs all health checks and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.databases)+len(c.queues)+2)

	if c.credentials != nil {
		results <- c.checkCredential()
	}

	for name, db := range c.databases {
		if db == nil {
			continue
		}
		wg.Add(1)
		go func(name string, db *sql.DB) {
			defer wg.Done()
			results <- c.checkDatabase(ctx, name, db)
		}(name, db)
	}

	for name, q := range c.queues {
		results <- c.checkQueue(name, q)
	}

	if c.downstreamURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, "downstream", c.downstreamURL)
		}()
	}

	// Close results channel when all checks complete
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0)
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

// checkCredential reports whether an access token is cached. Without one the
// bridge can still answer webhooks but cannot push, so this degrades rather
// than fails the service.
func (c *Checker) checkCredential() Component {
	comp := Component{
		Name:        "access_token",
		Type:        "credential",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	if c.credentials.Available() {
		comp.Status = StatusHealthy
		comp.Message = "Cached"
		return comp
	}
	comp.Status = StatusDegraded
	comp.Message = "No access token"
	comp.Error = c.credentials.LastError()
	return comp
}

func (c *Checker) checkQueue(name string, q Queue) Component {
	comp := Component{
		Name:        name,
		Type:        "queue",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	pending := q.Pending()
	if pending >= c.queueLimit {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("Queue full (%d pending)", pending)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("%d pending", pending)
	return comp
}

// checkDatabase checks database connectivity and performance.
func (c *Checker) checkDatabase(ctx context.Context, name string, db *sql.DB) Component {
	comp := Component{
		Name: name,
		Type: "database",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := db.PingContext(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
		return comp
	}

	if comp.Latency > c.maxDatabaseLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}

	return comp
}

// checkHTTPEndpoint checks if an HTTP endpoint is reachable.
func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{
		Name: name,
		Type: "http",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}

	resp, err := c.httpClient.Do(req)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any status code means the service is up.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)

	return comp
}

// calculateOverallStatus determines overall health based on component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			// Database failures are critical
			if comp.Type == "database" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}

	return c.calculateOverallStatus(c.components)
}
