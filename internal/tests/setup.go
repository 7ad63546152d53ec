// Package tests holds end-to-end tests that drive the HTTP API.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/connectme/enrollment/internal/auth"
	"github.com/connectme/enrollment/internal/config"
	httphandler "github.com/connectme/enrollment/internal/http"
	"github.com/connectme/enrollment/internal/http/handlers"
	"github.com/connectme/enrollment/internal/middleware"
	"github.com/connectme/enrollment/internal/process"
	"github.com/connectme/enrollment/internal/repo"
	"github.com/connectme/enrollment/internal/session"
	"github.com/connectme/enrollment/internal/verification"

	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "test-jwt-secret-at-least-32-characters-long"

// Clock is a settable clock shared by every process of a test server
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Dispatched records the codes handed to the dispatcher
type Dispatched struct {
	codes chan string
}

// Dispatch implements process.Dispatcher
func (d *Dispatched) Dispatch(_, code string) {
	select {
	case d.codes <- code:
	default:
	}
}

// Last returns the most recent code, failing the test when none was sent
func (d *Dispatched) Last(t *testing.T) string {
	t.Helper()
	var code string
	for {
		select {
		case code = <-d.codes:
		default:
			if code == "" {
				t.Fatal("no verification code was dispatched")
			}
			return code
		}
	}
}

// ServerOptions configures a test server
type ServerOptions struct {
	Users        repo.UserRepo
	Store        session.Store
	DevMode      bool
	RateLimitMax int
}

// TestServer is an httptest server running the full router
type TestServer struct {
	Server     *httptest.Server
	Clock      *Clock
	Dispatched *Dispatched
}

// NewTestServer wires the services like cmd/api does, with a fake clock and
// a recording dispatcher.
func NewTestServer(t *testing.T, opts ServerOptions) *TestServer {
	t.Helper()

	ts := &TestServer{
		Clock:      &Clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		Dispatched: &Dispatched{codes: make(chan string, 64)},
	}

	generate := verification.RandomDigits(verification.DefaultCodeDigits)
	devCode := ""
	if opts.DevMode {
		generate = verification.FixedCode(config.DevCode)
		devCode = config.DevCode
	}
	deps := process.Deps{
		Policy:     verification.DefaultPolicy(),
		Clock:      ts.Clock,
		Generate:   generate,
		Dispatcher: ts.Dispatched,
	}

	jwtService := auth.NewJWTService(testJWTSecret, time.Hour)
	hasher := auth.BcryptHasher{Cost: bcrypt.MinCost}
	registration := auth.NewRegistrationService(opts.Store, deps, opts.Users, hasher, jwtService)
	login := auth.NewLoginService(opts.Store, deps, opts.Users, hasher, jwtService)

	max := opts.RateLimitMax
	if max == 0 {
		max = 1000
	}
	limiter := middleware.NewRateLimiter(time.Minute, max)
	t.Cleanup(limiter.Stop)

	router := httphandler.NewRouter(httphandler.RouterConfig{
		Registration:  handlers.NewRegistrationHandler(registration, devCode),
		Login:         handlers.NewLoginHandler(login, devCode),
		JWT:           jwtService,
		Users:         opts.Users,
		VerifyLimiter: limiter,
		SessionTTL:    time.Hour,
	})
	ts.Server = httptest.NewServer(router)
	t.Cleanup(ts.Server.Close)
	return ts
}

// NewClient returns a client with its own cookie jar, i.e. its own session
func (s *TestServer) NewClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New failed: %v", err)
	}
	client := *s.Server.Client()
	client.Jar = jar
	return &client
}

// TruncateUsers empties the users table for a clean test state.
func TruncateUsers(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE users")
	if err != nil {
		return fmt.Errorf("truncate users: %w", err)
	}
	return nil
}
