package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/connectme/enrollment/internal/model"
	"github.com/connectme/enrollment/internal/process"
	"github.com/connectme/enrollment/internal/repo"
	"github.com/connectme/enrollment/internal/session"
	"github.com/connectme/enrollment/internal/verification"
)

const (
	testCode     = "314159"
	testPassword = "correct horse battery"
	testPhone    = "+4915112345678"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentCode struct {
	to   string
	code string
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentCode
}

func (d *recordingDispatcher) Dispatch(destination, code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentCode{to: destination, code: code})
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type testEnv struct {
	clock      *fakeClock
	dispatcher *recordingDispatcher
	users      repo.UserRepo
	tokens     *JWTService
	reg        *RegistrationService
	login      *LoginService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStoreTTL(t, time.Hour)
}

func newTestEnvWithStoreTTL(t *testing.T, storeTTL time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:      &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		dispatcher: &recordingDispatcher{},
		users:      repo.NewMemUserRepo(),
		tokens:     NewJWTService("test-secret-at-least-32-characters", time.Hour),
	}
	deps := process.Deps{
		Policy:     verification.DefaultPolicy(),
		Clock:      env.clock,
		Generate:   verification.FixedCode(testCode),
		Dispatcher: env.dispatcher,
	}
	store := session.NewMemoryStore(storeTTL)
	hasher := BcryptHasher{Cost: bcrypt.MinCost}
	env.reg = NewRegistrationService(store, deps, env.users, hasher, env.tokens)
	env.login = NewLoginService(store, deps, env.users, hasher, env.tokens)
	return env
}

func validInput() RegistrationInput {
	return RegistrationInput{Username: "alice_1", Password: testPassword, PhoneNumber: testPhone}
}

func (env *testEnv) register(t *testing.T, sid string, in RegistrationInput) Admission {
	t.Helper()
	ctx := context.Background()
	_, err := env.reg.Init(ctx, sid)
	require.NoError(t, err)
	_, err = env.reg.SubmitUserData(ctx, sid, in)
	require.NoError(t, err)
	_, err = env.reg.StartVerification(ctx, sid)
	require.NoError(t, err)
	adm, _, err := env.reg.CheckCode(ctx, sid, testCode)
	require.NoError(t, err)
	return adm
}

func TestRegistration_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	st, err := env.reg.Init(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", st.State)

	st, err = env.reg.SubmitUserData(ctx, "s1", validInput())
	require.NoError(t, err)
	assert.Equal(t, "USER_DATA_PASSED", st.State)

	st, err = env.reg.StartVerification(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "WAITING_FOR_VERIFICATION", st.State)
	require.Equal(t, 1, env.dispatcher.count())
	assert.Equal(t, sentCode{to: testPhone, code: testCode}, env.dispatcher.sent[0])

	adm, st, err := env.reg.CheckCode(ctx, "s1", testCode)
	require.NoError(t, err)
	assert.Equal(t, "VERIFIED", st.State)
	assert.Equal(t, "alice_1", adm.User.Username)
	assert.NotEqual(t, testPassword, adm.User.PasswordHash)

	claims, err := env.tokens.VerifyToken(adm.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, adm.User.ID, claims.UserID)

	// completed sessions start over
	st, err = env.reg.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", st.State)
}

func TestRegistration_InvalidData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := map[string]RegistrationInput{
		"short username": {Username: "al", Password: testPassword, PhoneNumber: testPhone},
		"bad characters": {Username: "al ice", Password: testPassword, PhoneNumber: testPhone},
		"short password": {Username: "alice", Password: "short", PhoneNumber: testPhone},
		"bad phone":      {Username: "alice", Password: testPassword, PhoneNumber: "0151 123"},
		"missing phone":  {Username: "alice", Password: testPassword},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			st, err := env.reg.SubmitUserData(ctx, "s-"+name, in)
			require.ErrorIs(t, err, ErrUserDataInvalid)
			assert.NotContains(t, err.Error(), in.Password)
			assert.Equal(t, "CREATED", st.State)
		})
	}
}

func TestRegistration_UsernameTakenAndPhoneInUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "first", validInput())

	in := validInput()
	in.PhoneNumber = "+4915100000000"
	st, err := env.reg.SubmitUserData(ctx, "second", in)
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, "CREATED", st.State)

	in = validInput()
	in.Username = "bob"
	_, err = env.reg.SubmitUserData(ctx, "second", in)
	assert.ErrorIs(t, err, ErrPhoneNumberInUse)
}

func TestRegistration_SubmitTwiceIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reg.SubmitUserData(ctx, "s1", validInput())
	require.NoError(t, err)
	st, err := env.reg.SubmitUserData(ctx, "s1", validInput())
	assert.ErrorIs(t, err, process.ErrForbiddenInteraction)
	assert.Equal(t, "USER_DATA_PASSED", st.State)
}

func TestRegistration_WrongCodeThenRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reg.SubmitUserData(ctx, "s1", validInput())
	require.NoError(t, err)
	_, err = env.reg.StartVerification(ctx, "s1")
	require.NoError(t, err)

	_, st, err := env.reg.CheckCode(ctx, "s1", "000000")
	assert.ErrorIs(t, err, verification.ErrWrongCode)
	assert.Equal(t, "USER_DATA_PASSED", st.State)
	assert.Equal(t, 1, st.AttemptCount)

	_, err = env.reg.StartVerification(ctx, "s1")
	require.NoError(t, err)
	adm, _, err := env.reg.CheckCode(ctx, "s1", testCode)
	require.NoError(t, err)
	assert.Equal(t, "alice_1", adm.User.Username)
}

func TestRegistration_ThrottledAndResetRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reg.SubmitUserData(ctx, "s1", validInput())
	require.NoError(t, err)

	max := verification.DefaultMaxFailedAttempts
	for i := 0; i <= max; i++ {
		_, err = env.reg.StartVerification(ctx, "s1")
		require.NoError(t, err, "cycle %d", i+1)
		_, _, err = env.reg.CheckCode(ctx, "s1", "000000")
		require.ErrorIs(t, err, verification.ErrWrongCode)
	}

	st, err := env.reg.StartVerification(ctx, "s1")
	assert.ErrorIs(t, err, verification.ErrAttemptNotAllowed)
	assert.Equal(t, verification.DefaultCooldown, st.RetryAfter)

	_, err = env.reg.Init(ctx, "s1")
	assert.ErrorIs(t, err, process.ErrForbiddenInteraction)

	env.clock.Advance(verification.DefaultCooldown)
	st, err = env.reg.StartVerification(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.AttemptCount)
	assert.Zero(t, st.RetryAfter)
}

func TestRegistration_ThrottleOutlivesSessionTTL(t *testing.T) {
	env := newTestEnvWithStoreTTL(t, 20*time.Millisecond)
	ctx := context.Background()

	_, err := env.reg.SubmitUserData(ctx, "s1", validInput())
	require.NoError(t, err)
	for i := 0; i <= verification.DefaultMaxFailedAttempts; i++ {
		_, err = env.reg.StartVerification(ctx, "s1")
		require.NoError(t, err)
		_, _, err = env.reg.CheckCode(ctx, "s1", "000000")
		require.ErrorIs(t, err, verification.ErrWrongCode)
	}
	sent := env.dispatcher.count()

	// the store TTL passes in wall time, the cool-down does not
	time.Sleep(60 * time.Millisecond)

	st, err := env.reg.StartVerification(ctx, "s1")
	assert.ErrorIs(t, err, verification.ErrAttemptNotAllowed)
	assert.Equal(t, verification.DefaultCooldown, st.RetryAfter)
	_, err = env.reg.SubmitUserData(ctx, "s1", validInput())
	assert.ErrorIs(t, err, process.ErrForbiddenInteraction)
	assert.Equal(t, sent, env.dispatcher.count())
}

func TestRegistration_LateUsernameConflictResets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, sid := range []string{"a", "b"} {
		in := validInput()
		if sid == "b" {
			in.PhoneNumber = "+4915100000000"
		}
		_, err := env.reg.SubmitUserData(ctx, sid, in)
		require.NoError(t, err)
		_, err = env.reg.StartVerification(ctx, sid)
		require.NoError(t, err)
	}

	_, _, err := env.reg.CheckCode(ctx, "a", testCode)
	require.NoError(t, err)

	_, st, err := env.reg.CheckCode(ctx, "b", testCode)
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, "CREATED", st.State)
}

func TestLogin_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registered := env.register(t, "reg", validInput())

	st, err := env.login.Init(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", st.State)

	st, err = env.login.SubmitCredentials(ctx, "s1", LoginInput{Username: "alice_1", Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, "CORRECT_CREDENTIALS_PASSED", st.State)

	_, err = env.login.StartVerification(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, testPhone, env.dispatcher.sent[len(env.dispatcher.sent)-1].to)

	adm, st, err := env.login.CheckCode(ctx, "s1", testCode)
	require.NoError(t, err)
	assert.Equal(t, "VERIFIED", st.State)
	assert.Equal(t, registered.User.ID, adm.User.ID)
	assert.NotEmpty(t, adm.AccessToken)
}

func TestLogin_BadCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "reg", validInput())

	_, err := env.login.SubmitCredentials(ctx, "s1", LoginInput{Username: "nobody", Password: testPassword})
	assert.ErrorIs(t, err, ErrNoSuchUser)

	st, err := env.login.SubmitCredentials(ctx, "s1", LoginInput{Username: "alice_1", Password: "wrong password"})
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.Equal(t, "CREATED", st.State)

	_, err = env.login.SubmitCredentials(ctx, "s1", LoginInput{Username: "alice_1"})
	assert.ErrorIs(t, err, ErrUserDataInvalid)
}

type countingHasher struct {
	PasswordHasher
	mu       sync.Mutex
	compares int
}

func (h *countingHasher) Compare(hash, password string) error {
	h.mu.Lock()
	h.compares++
	h.mu.Unlock()
	return h.PasswordHasher.Compare(hash, password)
}

func TestLogin_UnknownUserStillComparesPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "reg", validInput())

	hasher := &countingHasher{PasswordHasher: BcryptHasher{Cost: bcrypt.MinCost}}
	deps := process.Deps{Policy: verification.DefaultPolicy(), Clock: env.clock, Generate: verification.FixedCode(testCode)}
	login := NewLoginService(session.NewMemoryStore(time.Hour), deps, env.users, hasher, env.tokens)

	_, err := login.SubmitCredentials(ctx, "s1", LoginInput{Username: "nobody", Password: testPassword})
	assert.ErrorIs(t, err, ErrNoSuchUser)
	assert.Equal(t, 1, hasher.compares)

	_, err = login.SubmitCredentials(ctx, "s1", LoginInput{Username: "alice_1", Password: "wrong password"})
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.Equal(t, 2, hasher.compares)
}

var errRepoDown = errors.New("repo down")

type brokenUsers struct {
	repo.UserRepo
}

func (brokenUsers) Create(context.Context, model.NewUser) (model.User, error) {
	return model.User{}, errRepoDown
}

func (brokenUsers) GetByID(context.Context, uuid.UUID) (model.User, error) {
	return model.User{}, errRepoDown
}

func TestCheckCode_RepoFailureStartsOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "reg", validInput())

	deps := process.Deps{Policy: verification.DefaultPolicy(), Clock: env.clock, Generate: verification.FixedCode(testCode), Dispatcher: env.dispatcher}
	store := session.NewMemoryStore(time.Hour)
	hasher := BcryptHasher{Cost: bcrypt.MinCost}
	users := brokenUsers{UserRepo: env.users}
	reg := NewRegistrationService(store, deps, users, hasher, env.tokens)
	login := NewLoginService(store, deps, users, hasher, env.tokens)

	in := validInput()
	in.Username = "bob_2"
	in.PhoneNumber = "+4915100000000"
	_, err := reg.SubmitUserData(ctx, "s1", in)
	require.NoError(t, err)
	_, err = reg.StartVerification(ctx, "s1")
	require.NoError(t, err)
	_, _, err = reg.CheckCode(ctx, "s1", testCode)
	assert.ErrorIs(t, err, errRepoDown)
	st, err := reg.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", st.State)

	_, err = login.SubmitCredentials(ctx, "s1", LoginInput{Username: "alice_1", Password: testPassword})
	require.NoError(t, err)
	_, err = login.StartVerification(ctx, "s1")
	require.NoError(t, err)
	_, _, err = login.CheckCode(ctx, "s1", testCode)
	assert.ErrorIs(t, err, errRepoDown)
	st, err = login.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", st.State)
}

func TestLogin_OutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.login.StartVerification(ctx, "s1")
	assert.ErrorIs(t, err, process.ErrForbiddenInteraction)
	_, _, err = env.login.CheckCode(ctx, "s1", testCode)
	assert.ErrorIs(t, err, process.ErrForbiddenInteraction)
	assert.Zero(t, env.dispatcher.count())
}

func TestFlowsDoNotShareSessionEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reg.SubmitUserData(ctx, "same", validInput())
	require.NoError(t, err)

	st, err := env.login.State(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", st.State)
	st, err = env.reg.State(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "USER_DATA_PASSED", st.State)
}

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := h.Hash(testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, testPassword, hash)
	assert.NoError(t, h.Compare(hash, testPassword))
	assert.ErrorIs(t, h.Compare(hash, "nope"), ErrWrongPassword)
}

func TestJWTService_Expiry(t *testing.T) {
	svc := NewJWTService("test-secret-at-least-32-characters", time.Minute)
	now := time.Now()
	svc.now = func() time.Time { return now }

	token, err := svc.SignAccessToken(model.User{Username: "alice"})
	require.NoError(t, err)
	_, err = svc.VerifyToken(token)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = svc.VerifyToken(token)
	assert.Error(t, err)

	other := NewJWTService("another-secret-at-least-32-characters", time.Minute)
	_, err = other.VerifyToken(token)
	assert.Error(t, err)
}
