package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

type memoryRepo struct {
	entries  map[uuid.UUID]BalanceTransaction
	balances map[string]AccountBalance
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		entries:  make(map[uuid.UUID]BalanceTransaction),
		balances: make(map[string]AccountBalance),
	}
}

func ownerKey(owner OwnerRef) string {
	return fmt.Sprintf("%s:%s", owner.Kind, owner.ID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetBalance(ctx context.Context, owner OwnerRef) (AccountBalance, error) {
	if bal, ok := r.balances[ownerKey(owner)]; ok {
		return bal, nil
	}
	return AccountBalance{OwnerID: owner.ID, OwnerKind: owner.Kind, Balance: decimal.Zero}, nil
}

func (r *memoryRepo) GetTransaction(ctx context.Context, id uuid.UUID) (BalanceTransaction, error) {
	if entry, ok := r.entries[id]; ok {
		return entry, nil
	}
	return BalanceTransaction{}, shared.ErrNotFound
}

func (r *memoryRepo) ListTransactions(ctx context.Context, owner OwnerRef, filter StatementFilter) ([]BalanceTransaction, int, error) {
	var out []BalanceTransaction
	for _, entry := range r.entries {
		if entry.Owner == owner {
			out = append(out, entry)
		}
	}
	return out, len(out), nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, owner OwnerRef) (AccountBalance, error) {
	if bal, ok := tx.repo.balances[ownerKey(owner)]; ok {
		return bal, nil
	}
	return AccountBalance{}, ErrBalanceNotFound
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, entry BalanceTransaction) error {
	if _, ok := tx.repo.entries[entry.ID]; ok {
		return shared.ErrDuplicateEntry
	}
	tx.repo.entries[entry.ID] = entry
	return nil
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance AccountBalance) error {
	tx.repo.balances[ownerKey(OwnerRef{Kind: balance.OwnerKind, ID: balance.OwnerID})] = balance
	return nil
}

func delegateRef() OwnerRef {
	return OwnerRef{Kind: OwnerKindDelegate, ID: uuid.New()}
}

func TestPostTransactionUpdatesBalanceAtomically(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	owner := delegateRef()

	entry, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(150),
		Type:   TransactionTypeCollection,
		Owner:  owner,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, entry.ID)

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(150)), "balance %s", bal.Balance)

	_, err = svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(40),
		Type:   TransactionTypePayment,
		Owner:  owner,
	})
	require.NoError(t, err)

	bal, err = svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(110)), "balance %s", bal.Balance)
}

func TestPostTransactionValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	var validation *shared.ValidationError

	_, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(-5),
		Type:   TransactionTypeCollection,
		Owner:  delegateRef(),
	})
	require.ErrorAs(t, err, &validation)

	_, err = svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(5),
		Type:   TransactionType("bribe"),
		Owner:  delegateRef(),
	})
	require.ErrorAs(t, err, &validation)

	_, err = svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(5),
		Type:   TransactionTypeCollection,
		Owner:  OwnerRef{Kind: OwnerKindDelegate},
	})
	require.ErrorAs(t, err, &validation)
	require.Empty(t, repo.entries)
}

func TestPostTransactionDuplicateIDRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	owner := delegateRef()
	id := uuid.New()

	_, err := svc.PostTransaction(ctx, PostInput{
		ID:     id,
		Amount: decimal.NewFromInt(10),
		Type:   TransactionTypeDeposit,
		Owner:  owner,
	})
	require.NoError(t, err)

	_, err = svc.PostTransaction(ctx, PostInput{
		ID:     id,
		Amount: decimal.NewFromInt(10),
		Type:   TransactionTypeDeposit,
		Owner:  owner,
	})
	require.ErrorIs(t, err, shared.ErrDuplicateEntry)

	// The failed post must not have drifted the balance.
	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(10)), "balance %s", bal.Balance)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	owner := OwnerRef{Kind: OwnerKindUser, ID: uuid.New()}

	_, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(100),
		Type:   TransactionTypeDeposit,
		Owner:  owner,
	})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, owner, decimal.NewFromInt(150), uuid.Nil)
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)

	entry, err := svc.Withdraw(ctx, owner, decimal.NewFromInt(60), uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, TransactionTypeWithdrawal, entry.Type)

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(40)), "balance %s", bal.Balance)

	// Draining exactly to zero is allowed.
	_, err = svc.Withdraw(ctx, owner, decimal.NewFromInt(40), uuid.Nil)
	require.NoError(t, err)
	bal, err = svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.IsZero())
}

func TestBalanceEqualsSignedSum(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	owner := delegateRef()

	postings := []struct {
		amount int64
		typ    TransactionType
	}{
		{150, TransactionTypeCollection},
		{30, TransactionTypeExpense},
		{200, TransactionTypeDeposit},
		{50, TransactionTypeRefund},
		{120, TransactionTypePayment},
	}
	expected := decimal.Zero
	for _, p := range postings {
		entry, err := svc.PostTransaction(ctx, PostInput{
			Amount: decimal.NewFromInt(p.amount),
			Type:   p.typ,
			Owner:  owner,
		})
		require.NoError(t, err)
		expected = expected.Add(entry.SignedAmount())
	}

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(expected), "balance %s expected %s", bal.Balance, expected)
}

type memoryIdem struct {
	keys map[string]bool
}

func (s *memoryIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[module+":"+key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[module+":"+key] = true
	return nil
}

func (s *memoryIdem) Delete(ctx context.Context, key string) error {
	delete(s.keys, "ledger:"+key)
	return nil
}

func TestPostTransactionIdempotencyKeyReplayRejected(t *testing.T) {
	repo := newMemoryRepo()
	idem := &memoryIdem{keys: make(map[string]bool)}
	svc := NewService(repo, nil, idem, nil)
	ctx := context.Background()
	owner := delegateRef()

	in := PostInput{
		Amount:         decimal.NewFromInt(80),
		Type:           TransactionTypeCollection,
		Owner:          owner,
		IdempotencyKey: "req-42",
	}
	_, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	_, err = svc.PostTransaction(ctx, in)
	require.ErrorIs(t, err, shared.ErrDuplicateEntry)

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(80)), "balance %s", bal.Balance)

	// A post that fails inside the transaction releases its key so a
	// corrected retry is not locked out.
	taken, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(5),
		Type:   TransactionTypeCollection,
		Owner:  owner,
	})
	require.NoError(t, err)
	_, err = svc.PostTransaction(ctx, PostInput{
		ID:             taken.ID,
		Amount:         decimal.NewFromInt(5),
		Type:           TransactionTypeCollection,
		Owner:          owner,
		IdempotencyKey: "req-43",
	})
	require.ErrorIs(t, err, shared.ErrDuplicateEntry)
	_, err = svc.PostTransaction(ctx, PostInput{
		Amount:         decimal.NewFromInt(5),
		Type:           TransactionTypeCollection,
		Owner:          owner,
		IdempotencyKey: "req-43",
	})
	require.NoError(t, err)
}

// conflictingRepo fails the first failures transactions with a serialization
// error, running before (if set) first so a competing write can sneak in, the
// way a concurrent serializable transaction would.
type conflictingRepo struct {
	*memoryRepo
	failures int
	attempts int
	before   func()
}

func (r *conflictingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.attempts++
	if r.failures > 0 {
		r.failures--
		if r.before != nil {
			r.before()
		}
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	return r.memoryRepo.WithTx(ctx, fn)
}

func TestPostTransactionRetriesSerializationFailure(t *testing.T) {
	repo := &conflictingRepo{memoryRepo: newMemoryRepo(), failures: 2}
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	owner := delegateRef()

	_, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(90),
		Type:   TransactionTypeCollection,
		Owner:  owner,
	})
	require.NoError(t, err)
	require.Equal(t, 3, repo.attempts)

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(90)), "balance %s", bal.Balance)
}

func TestPostTransactionExhaustedRetriesSurfaceConflict(t *testing.T) {
	repo := &conflictingRepo{memoryRepo: newMemoryRepo(), failures: shared.DefaultTxAttempts}
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(90),
		Type:   TransactionTypeCollection,
		Owner:  delegateRef(),
	})
	var conflict *shared.ConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, shared.DefaultTxAttempts, conflict.Attempts)
	require.Empty(t, repo.entries)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	base := newMemoryRepo()
	ctx := context.Background()
	owner := OwnerRef{Kind: OwnerKindUser, ID: uuid.New()}

	competitor := NewService(base, nil, nil, nil)
	_, err := competitor.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(100),
		Type:   TransactionTypeDeposit,
		Owner:  owner,
	})
	require.NoError(t, err)

	// The competing withdrawal commits while our first attempt is in
	// flight, so the attempt fails serialization and the retry sees the
	// reduced balance.
	repo := &conflictingRepo{memoryRepo: base, failures: 1}
	repo.before = func() {
		_, err := competitor.Withdraw(ctx, owner, decimal.NewFromInt(60), uuid.Nil)
		require.NoError(t, err)
	}
	svc := NewService(repo, nil, nil, nil)

	_, err = svc.Withdraw(ctx, owner, decimal.NewFromInt(60), uuid.Nil)
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(40)), "balance %s", bal.Balance)
	require.False(t, bal.Balance.IsNegative())
	require.Len(t, base.entries, 2)
}

// lockedRepo serializes transactions the way the database serializable level
// does, so real goroutines can drive the service safely.
type lockedRepo struct {
	*memoryRepo
	mu sync.Mutex
}

func (r *lockedRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.WithTx(ctx, fn)
}

func TestGetBalanceEqualsSignedSumAfterConcurrentPosts(t *testing.T) {
	repo := &lockedRepo{memoryRepo: newMemoryRepo()}
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	owner := delegateRef()

	posts := []struct {
		amount int64
		typ    TransactionType
	}{
		{150, TransactionTypeCollection},
		{30, TransactionTypeExpense},
		{200, TransactionTypeDeposit},
		{50, TransactionTypeRefund},
		{120, TransactionTypePayment},
		{15, TransactionTypeCollection},
		{80, TransactionTypeDeposit},
		{25, TransactionTypePayment},
	}
	var wg sync.WaitGroup
	errs := make([]error, len(posts))
	for i, p := range posts {
		wg.Add(1)
		go func(i int, amount int64, typ TransactionType) {
			defer wg.Done()
			_, errs[i] = svc.PostTransaction(ctx, PostInput{
				Amount: decimal.NewFromInt(amount),
				Type:   typ,
				Owner:  owner,
			})
		}(i, p.amount, p.typ)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	expected := decimal.Zero
	for _, entry := range repo.entries {
		expected = expected.Add(entry.SignedAmount())
	}
	require.Len(t, repo.entries, len(posts))

	bal, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(expected), "balance %s expected %s", bal.Balance, expected)
}

type capturedEvent struct {
	evt TransactionPostedEvent
}

type captureDispatcher struct {
	events []capturedEvent
}

func (d *captureDispatcher) TransactionPosted(ctx context.Context, evt TransactionPostedEvent) error {
	d.events = append(d.events, capturedEvent{evt: evt})
	return nil
}

func TestPostTransactionEmitsEvent(t *testing.T) {
	repo := newMemoryRepo()
	dispatcher := &captureDispatcher{}
	svc := NewService(repo, nil, nil, dispatcher)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	owner := delegateRef()

	entry, err := svc.PostTransaction(ctx, PostInput{
		Amount: decimal.NewFromInt(75),
		Type:   TransactionTypeCollection,
		Owner:  owner,
	})
	require.NoError(t, err)
	require.Len(t, dispatcher.events, 1)
	evt := dispatcher.events[0].evt
	require.Equal(t, entry.ID, evt.TransactionID)
	require.Equal(t, owner.ID, evt.OwnerID)
	require.True(t, evt.Balance.Equal(decimal.NewFromInt(75)))
}
