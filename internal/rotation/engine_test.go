package rotation

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/dailycrypt/internal/backup"
	"github.com/dmitrijs2005/dailycrypt/internal/common"
	"github.com/dmitrijs2005/dailycrypt/internal/cryptox"
	"github.com/dmitrijs2005/dailycrypt/internal/journal"
	"github.com/dmitrijs2005/dailycrypt/internal/lock"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
	"github.com/dmitrijs2005/dailycrypt/internal/metadata"
)

const secret = "test-secret"

var day2 = time.Date(2024, 1, 2, 0, 0, 5, 0, time.UTC)

type fixture struct {
	t       *testing.T
	dataDir string
	keys    *cryptox.KeyDeriver
	meta    *metadata.Store
	locker  *lock.Locker
	vault   *backup.Vault
	primary []string
	now     time.Time
}

func newFixture(t *testing.T, primary ...string) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	f := &fixture{
		t:       t,
		dataDir: dataDir,
		keys:    cryptox.NewKeyDeriver(secret),
		meta:    metadata.NewStore(filepath.Join(dataDir, "encryption_meta.json"), logging.NewNop()),
		locker:  lock.NewLocker(filepath.Join(dataDir, "locks", "reencryption.lock"), lock.DefaultStaleAfter, logging.NewNop()),
		vault:   backup.NewVault(filepath.Join(dataDir, "backups"), dataDir, logging.NewNop()),
		now:     day2,
	}
	for _, p := range primary {
		f.primary = append(f.primary, filepath.Join(dataDir, p))
	}
	return f
}

func (f *fixture) engine(opts ...Option) *Engine {
	files := Files{
		Primary:     f.primary,
		Collections: []string{filepath.Join(f.dataDir, "posts"), filepath.Join(f.dataDir, "placards")},
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	return NewEngine(f.keys, f.meta, f.locker, f.vault, files, logging.NewNop(), opts...)
}

func (f *fixture) activate(date string) {
	f.t.Helper()
	require.NoError(f.t, f.meta.Save(context.Background(), metadata.Metadata{IsEncrypted: true, LastEncryptionDate: date}))
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.dataDir, filepath.FromSlash(rel))
}

func (f *fixture) writeEncrypted(rel, date, plaintext string) string {
	f.t.Helper()
	blob, err := cryptox.Encrypt([]byte(plaintext), f.keys.Key(date))
	require.NoError(f.t, err)
	return f.writeRaw(rel, blob)
}

func (f *fixture) writeRaw(rel string, data []byte) string {
	f.t.Helper()
	p := f.path(rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(f.t, os.WriteFile(p, data, 0o640))
	return p
}

func (f *fixture) read(p string) []byte {
	f.t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(f.t, err)
	return data
}

func (f *fixture) decrypt(p, date string) string {
	f.t.Helper()
	pt, ok := cryptox.Decrypt(f.read(p), f.keys.Key(date))
	require.True(f.t, ok, "%s does not decrypt under %s", p, date)
	return string(pt)
}

func (f *fixture) snapshots() []backup.Info {
	f.t.Helper()
	list, err := f.vault.List(time.UTC)
	require.NoError(f.t, err)
	return list
}

func corrupt() []byte {
	return []byte(base64.StdEncoding.EncodeToString(make([]byte, 48)))
}

func TestRotate_EndToEnd(t *testing.T) {
	f := newFixture(t, "users.json.enc")
	f.activate("2024-01-01")
	users := f.writeEncrypted("users.json.enc", "2024-01-01", `{"n":1}`)

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, "2024-01-01", res.PreviousDate)
	assert.Equal(t, "2024-01-02", res.Date)
	assert.Equal(t, []string{users}, res.Processed)
	assert.NotEmpty(t, res.AttemptID)

	// (a) backup tagged with the previous date
	snaps := f.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "2024-01-01", snaps[0].SourceDate)
	assert.Equal(t, "backup_2024-01-01_2024-01-02_00-00-05", snaps[0].Name)
	assert.Equal(t, snaps[0].Dir, res.Snapshot)

	// (b) rewritten under the new key
	assert.JSONEq(t, `{"n":1}`, f.decrypt(users, "2024-01-02"))
	_, ok := cryptox.Decrypt(f.read(users), f.keys.Key("2024-01-01"))
	assert.False(t, ok)

	// (c) metadata advanced
	m, err := f.meta.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m.LastBackupDate)
	assert.Equal(t, "2024-01-02", m.LastEncryptionDate)
	assert.Equal(t, "2024-01-01", *m.LastBackupDate)
	assert.True(t, m.IsEncrypted)

	// lock released
	st, err := f.locker.Inspect(f.now)
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestRotate_CollectionsAreWalkedRecursively(t *testing.T) {
	f := newFixture(t, "users.json.enc")
	f.activate("2024-01-01")
	f.writeEncrypted("users.json.enc", "2024-01-01", `[]`)
	p1 := f.writeEncrypted("posts/1.json.enc", "2024-01-01", `{"id":1}`)
	p2 := f.writeEncrypted("posts/2024/02.json.enc", "2024-01-01", `{"id":2}`)
	pl := f.writeEncrypted("placards/a.json.enc", "2024-01-01", `{"id":3}`)
	tmp := f.writeRaw("posts/3.json.enc.tmp", []byte("partial"))
	txt := f.writeRaw("posts/readme.txt", []byte("notes"))

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)
	assert.Equal(t, []string{f.path("users.json.enc"), p1, p2, pl}, res.Processed)

	assert.JSONEq(t, `{"id":1}`, f.decrypt(p1, "2024-01-02"))
	assert.JSONEq(t, `{"id":2}`, f.decrypt(p2, "2024-01-02"))
	assert.JSONEq(t, `{"id":3}`, f.decrypt(pl, "2024-01-02"))
	assert.Equal(t, "partial", string(f.read(tmp)))
	assert.Equal(t, "notes", string(f.read(txt)))

	// collection files are in the snapshot too
	snap, err := f.vault.Open(res.Snapshot)
	require.NoError(t, err)
	assert.True(t, snap.Contains(p2))
	assert.False(t, snap.Contains(tmp))
}

func TestRotate_AcceptsNewKeyAndPlaintextContent(t *testing.T) {
	f := newFixture(t, "users.json.enc", "seo.json.enc")
	f.activate("2024-01-01")
	users := f.writeEncrypted("users.json.enc", "2024-01-02", `{"saved":"today"}`)
	seo := f.writeRaw("seo.json.enc", []byte("{\"title\":\"plain\"}\n"))

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	assert.JSONEq(t, `{"saved":"today"}`, f.decrypt(users, "2024-01-02"))
	assert.JSONEq(t, `{"title":"plain"}`, f.decrypt(seo, "2024-01-02"))
}

func TestRotate_RecoversFilesSavedOnDaysWithoutCommit(t *testing.T) {
	f := newFixture(t, "users.json.enc", "posts.json.enc", "seo.json.enc")
	f.activate("2024-01-01")
	// rotations on the 2nd and 3rd rolled back; ordinary saves still wrote
	// under those days' keys
	users := f.writeEncrypted("users.json.enc", "2024-01-02", `{"n":2}`)
	posts := f.writeEncrypted("posts.json.enc", "2024-01-03", `{"n":3}`)
	seo := f.writeEncrypted("seo.json.enc", "2024-01-01", `{"n":1}`)
	f.now = time.Date(2024, 1, 4, 0, 0, 5, 0, time.UTC)

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	assert.JSONEq(t, `{"n":2}`, f.decrypt(users, "2024-01-04"))
	assert.JSONEq(t, `{"n":3}`, f.decrypt(posts, "2024-01-04"))
	assert.JSONEq(t, `{"n":1}`, f.decrypt(seo, "2024-01-04"))

	m, err := f.meta.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-04", m.LastEncryptionDate)
}

func TestRotate_RollbackRestoresProcessedAndLeavesRestUntouched(t *testing.T) {
	f := newFixture(t, "a.json.enc", "b.json.enc", "c.json.enc", "d.json.enc", "e.json.enc")
	f.activate("2024-01-01")

	before := map[string][]byte{}
	for _, name := range []string{"a", "b", "d", "e"} {
		p := f.writeEncrypted(name+".json.enc", "2024-01-01", `{"name":"`+name+`"}`)
		before[p] = f.read(p)
	}
	bad := f.writeRaw("c.json.enc", corrupt())
	before[bad] = f.read(bad)

	res, err := f.engine().Rotate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrReencryptFailed)
	assert.ErrorIs(t, err, common.ErrCorruptData)
	assert.Equal(t, StateRolledBack, res.State)
	assert.True(t, res.State.Failed())

	processed := []string{f.path("a.json.enc"), f.path("b.json.enc")}
	assert.Equal(t, processed, res.Processed)
	assert.Equal(t, processed, res.Restored)

	// every file holds its pre-transaction bytes
	for p, want := range before {
		assert.Equal(t, want, f.read(p), p)
	}

	m, err := f.meta.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", m.LastEncryptionDate)
	assert.Nil(t, m.LastBackupDate)

	// snapshot kept for manual recovery
	require.Len(t, f.snapshots(), 1)
	st, err := f.locker.Inspect(f.now)
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestRotate_RollbackIncompleteIsFatal(t *testing.T) {
	f := newFixture(t, "a.json.enc", "b.json.enc", "c.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	b := f.writeEncrypted("b.json.enc", "2024-01-01", `{}`)
	f.writeRaw("c.json.enc", corrupt())

	orig := restoreFile
	t.Cleanup(func() { restoreFile = orig })
	restoreFile = func(s *backup.Snapshot, path string) error {
		if path == a {
			return common.ErrChecksumMismatch
		}
		return orig(s, path)
	}

	res, err := f.engine().Rotate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrRollbackIncomplete)
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)
	assert.Equal(t, StateRollbackIncomplete, res.State)
	assert.Equal(t, []string{b}, res.Restored)
	assert.DirExists(t, res.Snapshot)
}

func TestRotate_CommitFailureRollsBack(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{"k":"v"}`)
	orig := f.read(a)

	origSave := saveMetadata
	t.Cleanup(func() { saveMetadata = origSave })
	saveMetadata = func(*metadata.Store, context.Context, metadata.Metadata) error {
		return errors.New("disk full")
	}

	res, err := f.engine().Rotate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrReencryptFailed)
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, orig, f.read(a))
}

func TestRotate_BackupFailureAbortsBeforeMutation(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	orig := f.read(a)

	// a regular file where the backup root should be
	f.writeRaw("backups", []byte("x"))

	res, err := f.engine().Rotate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrBackupFailed)
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, res.Processed)
	assert.Equal(t, orig, f.read(a))

	m, err := f.meta.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", m.LastEncryptionDate)
}

func TestRotate_ContendedWhenFreshLockHeld(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	orig := f.read(a)
	f.writeRaw("locks/reencryption.lock", []byte(strconv.FormatInt(f.now.Add(-time.Minute).Unix(), 10)))

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateContended, res.State)
	assert.Equal(t, orig, f.read(a))
	assert.Empty(t, f.snapshots())

	st, err := f.locker.Inspect(f.now)
	require.NoError(t, err)
	assert.True(t, st.Held, "a lock we did not take must stay")
}

func TestRotate_StaleLockIsRecovered(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{"x":1}`)
	f.writeRaw("locks/reencryption.lock", []byte(strconv.FormatInt(f.now.Add(-11*time.Minute).Unix(), 10)))

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.JSONEq(t, `{"x":1}`, f.decrypt(a, "2024-01-02"))
}

func TestRotate_IdempotentOnSameDay(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	e := f.engine()

	res, err := e.Rotate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	f.now = f.now.Add(3 * time.Hour)
	res, err = e.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUpToDate, res.State)
	assert.Len(t, f.snapshots(), 1)
}

func TestRotate_ConcurrentAttemptsRotateOnce(t *testing.T) {
	f := newFixture(t, "a.json.enc", "b.json.enc")
	f.activate("2024-01-01")
	f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	f.writeEncrypted("b.json.enc", "2024-01-01", `{}`)

	const n = 12
	var wg sync.WaitGroup
	states := make([]State, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine().Rotate(context.Background())
			states[i], errs[i] = res.State, err
		}(i)
	}
	wg.Wait()

	committed := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch states[i] {
		case StateCommitted:
			committed++
		case StateContended, StateUpToDate:
		default:
			t.Fatalf("unexpected state %s", states[i])
		}
	}
	assert.Equal(t, 1, committed)
	assert.Len(t, f.snapshots(), 1)
}

func TestRotate_FirstActivation(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	a := f.writeRaw("a.json.enc", []byte(`{"plain":true}`))

	res, err := f.engine().Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActivated, res.State)

	m, err := f.meta.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metadata.Metadata{IsEncrypted: true, LastEncryptionDate: "2024-01-02"}, m)
	assert.Equal(t, `{"plain":true}`, string(f.read(a)))
	assert.Empty(t, f.snapshots())
}

func TestRotate_ContextCancelledMidTransactionRollsBack(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	orig := f.read(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine().Rotate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, orig, f.read(a))
}

type fakeJournal struct {
	mu       sync.Mutex
	attempts []journal.Attempt
	err      error
	panicky  bool
}

func (j *fakeJournal) Record(_ context.Context, a journal.Attempt) error {
	if j.panicky {
		panic("journal exploded")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
	return j.err
}

func TestRotate_AttemptsAreJournaled(t *testing.T) {
	f := newFixture(t, "a.json.enc", "b.json.enc")
	f.activate("2024-01-01")
	f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)
	f.writeRaw("b.json.enc", corrupt())

	j := &fakeJournal{}
	e := f.engine(WithJournal(j), WithIDGenerator(func() string { return "attempt-1" }))

	_, err := e.Rotate(context.Background())
	require.Error(t, err)

	require.Len(t, j.attempts, 1)
	got := j.attempts[0]
	assert.Equal(t, "attempt-1", got.ID)
	assert.Equal(t, string(StateRolledBack), got.State)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, []string{f.path("a.json.enc")}, got.Restored)
	assert.Contains(t, got.Error, "rolled back")
	assert.Equal(t, "2024-01-01", got.PreviousDate)

	// an up to date store is not an attempt
	f.writeEncrypted("b.json.enc", "2024-01-01", `{}`)
	_, err = e.Rotate(context.Background())
	require.NoError(t, err)
	_, err = e.Rotate(context.Background())
	require.NoError(t, err)
	assert.Len(t, j.attempts, 2)
}

func TestRotate_JournalErrorIsAbsorbed(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)

	res, err := f.engine(WithJournal(&fakeJournal{err: errors.New("db locked")})).Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
}

type fakeMirror struct {
	uploaded []string
	err      error
}

func (m *fakeMirror) Upload(_ context.Context, s *backup.Snapshot) error {
	m.uploaded = append(m.uploaded, s.Dir)
	return m.err
}

func TestRotate_MirrorsCommittedSnapshot(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	f.writeEncrypted("a.json.enc", "2024-01-01", `{}`)

	m := &fakeMirror{err: errors.New("bucket unreachable")}
	res, err := f.engine(WithMirror(m)).Rotate(context.Background())
	require.NoError(t, err, "mirror errors never fail a rotation")
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, []string{res.Snapshot}, m.uploaded)
}

func TestRotate_RolledBackSnapshotIsNotMirrored(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	f.writeRaw("a.json.enc", corrupt())

	m := &fakeMirror{}
	_, err := f.engine(WithMirror(m)).Rotate(context.Background())
	require.Error(t, err)
	assert.Empty(t, m.uploaded)
}

func TestEnsureTodayEncryption_AbsorbsFailuresAndPanics(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	f.writeRaw("a.json.enc", corrupt())

	assert.NotPanics(t, func() { f.engine().EnsureTodayEncryption(context.Background()) })
	assert.NotPanics(t, func() {
		f.engine(WithJournal(&fakeJournal{panicky: true})).EnsureTodayEncryption(context.Background())
	})

	// the lock is gone even after the panic
	st, err := f.locker.Inspect(f.now)
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestEnsureTodayEncryption_Rotates(t *testing.T) {
	f := newFixture(t, "a.json.enc")
	f.activate("2024-01-01")
	a := f.writeEncrypted("a.json.enc", "2024-01-01", `{"ok":true}`)

	f.engine().EnsureTodayEncryption(context.Background())
	assert.JSONEq(t, `{"ok":true}`, f.decrypt(a, "2024-01-02"))
}
