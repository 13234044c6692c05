package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
	"kvchain/internal/storage"
)

func setupChain(t *testing.T, options ...storage.Option) (*Chain, *storage.BadgerRepository) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	repo, err := storage.NewBadgerRepository(t.TempDir(), log, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, repo.Close())
	})
	return New(repo, log), repo
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return s
}

// appendLink drives a link through draft, sign, validate and persist.
func appendLink(t *testing.T, c *Chain, signer *crypto.Signer, platform, identity, patch string) *domain.ChainLink {
	t.Helper()
	ctx := context.Background()

	draft, err := c.BeginNewLink(ctx, signer.Public())
	require.NoError(t, err)
	draft.Platform = platform
	draft.Identity = identity
	draft.Patch = json.RawMessage(patch)

	signLink(t, c, signer, draft)
	require.NoError(t, Validate(draft))

	link, err := c.Persist(ctx, draft)
	require.NoError(t, err)
	return link
}

func signLink(t *testing.T, c *Chain, signer *crypto.Signer, draft *domain.ChainLink) {
	t.Helper()
	body, err := c.RenderPayload(context.Background(), draft)
	require.NoError(t, err)
	sig, err := signer.PersonalSign(body)
	require.NoError(t, err)
	draft.SignaturePayload = body
	draft.Signature = sig
}

func TestBeginNewLink_PreviousPointsAtTail(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	owner := newSigner(t)

	// --- Fresh owner ---
	draft, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	assert.Nil(t, draft.PreviousID)
	assert.NotEqual(t, uuid.Nil, draft.UUID)
	assert.Equal(t, owner.Uncompressed(), draft.OwnerKey)
	assert.JSONEq(t, `{}`, string(draft.Patch))
	assert.Empty(t, draft.Signature)
	assert.Empty(t, draft.SignaturePayload)
	assert.Zero(t, draft.CreatedAt.Nanosecond())

	first := appendLink(t, c, owner, "twitter", "alice", `{"test":"abc"}`)

	// --- Existing tail ---
	draft, err = c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	require.NotNil(t, draft.PreviousID)
	assert.Equal(t, first.ID, *draft.PreviousID)

	second := appendLink(t, c, owner, "twitter", "alice", `{"test":"def"}`)
	tail, err := c.FindTail(ctx, owner.Public())
	require.NoError(t, err)
	assert.Equal(t, second.ID, tail.ID)

	// --- Compressed and uncompressed owner keys address the same chain ---
	compressed, err := crypto.ParsePublicKey(owner.Compressed())
	require.NoError(t, err)
	draft, err = c.BeginNewLink(ctx, compressed)
	require.NoError(t, err)
	require.NotNil(t, draft.PreviousID)
	assert.Equal(t, second.ID, *draft.PreviousID)

	// --- Another owner starts fresh ---
	draft, err = c.BeginNewLink(ctx, newSigner(t).Public())
	require.NoError(t, err)
	assert.Nil(t, draft.PreviousID)
}

func TestRenderPayload_Previous(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	owner := newSigner(t)

	draft, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	body, err := c.RenderPayload(ctx, draft)
	require.NoError(t, err)
	assert.Contains(t, body, `"previous":null`)
	assert.Contains(t, body, `"avatar":"`+owner.Hex()+`"`)

	first := appendLink(t, c, owner, "twitter", "alice", `{"test":"abc"}`)

	draft, err = c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	body, err = c.RenderPayload(ctx, draft)
	require.NoError(t, err)
	assert.Contains(t, body, `"previous":"`+base64.StdEncoding.EncodeToString(first.Signature)+`"`)

	// Rendering twice is byte-identical.
	again, err := c.RenderPayload(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestRenderPayload_VanishedPrevious(t *testing.T) {
	c, _ := setupChain(t)
	owner := newSigner(t)

	missing := uint64(4242)
	draft := &domain.ChainLink{UUID: uuid.New(), OwnerKey: owner.Uncompressed(), PreviousID: &missing, Patch: json.RawMessage(`{}`)}
	_, err := c.RenderPayload(context.Background(), draft)
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestValidate(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	owner := newSigner(t)

	draft, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	draft.Platform, draft.Identity = "twitter", "alice"
	draft.Patch = json.RawMessage(`{"test":"abc"}`)
	signLink(t, c, owner, draft)
	require.NoError(t, Validate(draft))

	t.Run("27/28 recovery byte", func(t *testing.T) {
		shifted := *draft
		shifted.Signature = append([]byte(nil), draft.Signature...)
		shifted.Signature[64] += 27
		assert.NoError(t, Validate(&shifted))
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := *draft
		b := []byte(draft.SignaturePayload)
		b[len(b)/2] ^= 0x01
		tampered.SignaturePayload = string(b)
		assert.ErrorIs(t, Validate(&tampered), domain.ErrSignatureValidation)
	})

	t.Run("unrecoverable signature", func(t *testing.T) {
		zeroR := *draft
		zeroR.Signature = append(make([]byte, 32), draft.Signature[32:]...)
		err := Validate(&zeroR)
		assert.ErrorIs(t, err, domain.ErrSignatureValidation)
		assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
	})

	t.Run("other signer", func(t *testing.T) {
		forged := *draft
		sig, err := newSigner(t).PersonalSign(draft.SignaturePayload)
		require.NoError(t, err)
		forged.Signature = sig
		assert.ErrorIs(t, Validate(&forged), domain.ErrSignatureValidation)
	})

	t.Run("bad signature length", func(t *testing.T) {
		short := *draft
		short.Signature = draft.Signature[:64]
		err := Validate(&short)
		assert.ErrorIs(t, err, domain.ErrSignatureValidation)
		assert.ErrorIs(t, err, crypto.ErrInvalidSignatureLength)
	})

	t.Run("bad recovery id", func(t *testing.T) {
		bad := *draft
		bad.Signature = append([]byte(nil), draft.Signature...)
		bad.Signature[64] = 7
		err := Validate(&bad)
		assert.ErrorIs(t, err, domain.ErrSignatureValidation)
		assert.ErrorIs(t, err, crypto.ErrInvalidRecoveryID)
	})

	t.Run("bad owner key", func(t *testing.T) {
		bad := *draft
		bad.OwnerKey = []byte{0x04, 0x01}
		assert.ErrorIs(t, Validate(&bad), crypto.ErrInvalidKeyEncoding)
	})
}

func TestPersist_DuplicateUUID(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()

	first := appendLink(t, c, newSigner(t), "twitter", "alice", `{"a":1}`)

	other := newSigner(t)
	draft, err := c.BeginNewLink(ctx, other.Public())
	require.NoError(t, err)
	draft.UUID = first.UUID
	signLink(t, c, other, draft)
	require.NoError(t, Validate(draft))

	_, err = c.Persist(ctx, draft)
	assert.ErrorIs(t, err, domain.ErrDuplicateUUID)
}

func TestFinders(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	alice, bob := newSigner(t), newSigner(t)

	a1 := appendLink(t, c, alice, "twitter", "shared", `{"a":1}`)
	appendLink(t, c, alice, "github", "alice", `{"a":2}`)
	b1 := appendLink(t, c, bob, "twitter", "shared", `{"b":1}`)

	found, err := c.FindByID(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, a1.UUID, found.UUID)
	assert.Equal(t, a1.SignaturePayload, found.SignaturePayload)

	found, err = c.FindByUUID(ctx, b1.UUID)
	require.NoError(t, err)
	assert.Equal(t, b1.ID, found.ID)

	shared, err := c.FindAllFor(ctx, "twitter", "shared")
	require.NoError(t, err)
	assert.Len(t, shared, 2)

	mine, err := c.FindAllByOwner(ctx, alice.Public())
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestAttachArchivalReceipt(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	link := appendLink(t, c, newSigner(t), "twitter", "alice", `{"a":1}`)

	require.NoError(t, c.AttachArchivalReceipt(ctx, link, "ar-123"))
	assert.Equal(t, "ar-123", link.ArchivalReceipt)

	found, err := c.FindByID(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, "ar-123", found.ArchivalReceipt)
	assert.NoError(t, Validate(found))
}

func TestAudit(t *testing.T) {
	c, repo := setupChain(t)
	ctx := context.Background()
	owner := newSigner(t)

	report, err := c.Audit(ctx, owner.Public())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Walked)

	first := appendLink(t, c, owner, "twitter", "alice", `{"test":"abc"}`)
	appendLink(t, c, owner, "twitter", "alice", `{"test":null,"test2":"new"}`)
	appendLink(t, c, owner, "github", "alice", `{"x":true}`)

	report, err = c.Audit(ctx, owner.Public())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Walked)
	assert.Empty(t, report.Detached)

	// A correctly self-signed link that claims the first link as previous
	// but signs a different previous signature breaks the chain.
	forged := &domain.ChainLink{
		UUID:       uuid.New(),
		OwnerKey:   owner.Uncompressed(),
		Platform:   "twitter",
		Identity:   "alice",
		Patch:      json.RawMessage(`{}`),
		PreviousID: &first.ID,
		CreatedAt:  first.CreatedAt,
	}
	forged.SignaturePayload = fmt.Sprintf(`{"version":"1","previous":"%s"}`, base64.StdEncoding.EncodeToString([]byte("not it")))
	forged.Signature, err = owner.PersonalSign(forged.SignaturePayload)
	require.NoError(t, err)
	require.NoError(t, Validate(forged))
	require.NoError(t, repo.InsertLink(ctx, forged))

	report, err = c.Audit(ctx, owner.Public())
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.Equal(t, forged.ID, report.Failure.LinkID)
	assert.ErrorIs(t, report.Failure.Err, ErrBrokenLink)
}

func TestAudit_ReportsForks(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	owner := newSigner(t)

	appendLink(t, c, owner, "twitter", "alice", `{"n":1}`)

	// Two drafts read the same tail before either is persisted.
	a, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	b, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	for _, d := range []*domain.ChainLink{a, b} {
		d.Platform, d.Identity = "twitter", "alice"
		signLink(t, c, owner, d)
		_, err := c.Persist(ctx, d)
		require.NoError(t, err)
	}

	report, err := c.Audit(ctx, owner.Public())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Walked)
	assert.Equal(t, []uint64{a.ID}, report.Detached)
}

func TestPersist_UniquePredecessorRejectsFork(t *testing.T) {
	c, _ := setupChain(t, storage.WithUniquePredecessor(true))
	ctx := context.Background()
	owner := newSigner(t)

	a, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	b, err := c.BeginNewLink(ctx, owner.Public())
	require.NoError(t, err)
	signLink(t, c, owner, a)
	signLink(t, c, owner, b)

	_, err = c.Persist(ctx, a)
	require.NoError(t, err)
	_, err = c.Persist(ctx, b)
	assert.ErrorIs(t, err, domain.ErrChainForked)
}

func TestOwnerLocks_SerializedAppendsStayLinear(t *testing.T) {
	c, _ := setupChain(t)
	ctx := context.Background()
	owner := newSigner(t)
	locks := NewOwnerLocks()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := locks.Lock(owner.Uncompressed())
			defer unlock()

			draft, err := c.BeginNewLink(ctx, owner.Public())
			if err != nil {
				errs <- err
				return
			}
			draft.Platform, draft.Identity = "twitter", "alice"
			draft.Patch = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			body, err := c.RenderPayload(ctx, draft)
			if err != nil {
				errs <- err
				return
			}
			draft.SignaturePayload = body
			if draft.Signature, err = owner.PersonalSign(body); err != nil {
				errs <- err
				return
			}
			if err := Validate(draft); err != nil {
				errs <- err
				return
			}
			_, err = c.Persist(ctx, draft)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	report, err := c.Audit(ctx, owner.Public())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, writers, report.Walked)
	assert.Empty(t, report.Detached)
	assert.Zero(t, locks.Len())
}
