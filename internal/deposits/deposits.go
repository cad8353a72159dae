// Package deposits implements the per-user on-chain deposit registry
// (spec.md §4.5, C5): allocates a keypair and SS58 address for each user the
// first time one is needed, encrypts the keypair's seed at rest, and
// exposes the address allow-set the chain monitor (C6) filters transfers
// against.
package deposits

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/basilica-network/basilica/infrastructure/crypto"
	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/infrastructure/ss58"
	"github.com/basilica-network/basilica/internal/domain"
)

// seedEnvelopeInfo scopes the envelope key derivation so a deposit seed can
// never be decrypted under a different subsystem's key-derivation info
// string even if they shared a master key.
const seedEnvelopeInfo = "basilica.deposits.seed.v1"

// Account is a user's deposit registry entry (spec.md §3 DepositAccount).
// EncryptedSeed is the only form of the private key material it holds; the
// plaintext seed exists only transiently right after generation and is
// never itself persisted or logged (I7).
type Account struct {
	UserID        domain.UserId
	Address       string
	AccountID     [32]byte
	PublicKeyHex  string
	EncryptedSeed []byte
	CreatedAt     time.Time
}

// ObservedDepositView is a deposit joined with its current credit state, for
// list_by_user.
type ObservedDepositView struct {
	BlockNumber     uint64
	EventIndex      uint32
	To              string
	From            string
	AmountPlancks   string
	Status          string
	ObservedAt      time.Time
	CreditedAt      *time.Time
	BillingCreditID *string
}

// Repository is the persistence capability Manager depends on.
type Repository interface {
	GetByUser(ctx context.Context, userID domain.UserId) (*Account, error)
	Create(ctx context.Context, account Account) error
	ListAccountHexes(ctx context.Context) (map[string]bool, error)
	ListByUser(ctx context.Context, userID domain.UserId, limit, offset int) ([]ObservedDepositView, error)
}

// KeyGenerator abstracts keypair generation so tests can supply a
// deterministic source instead of crypto/rand.
type KeyGenerator interface {
	Generate() (accountID [32]byte, publicKeyHex string, seed []byte, err error)
}

// randKeyGenerator generates a 32-byte account id and uses it directly as
// both the "public key" (ed25519-style account ids coincide with the public
// key on Substrate chains) and the seed, matching how a freshly-allocated
// deposit keypair is created when no external signer is involved.
type randKeyGenerator struct{}

func (randKeyGenerator) Generate() ([32]byte, string, []byte, error) {
	var accountID [32]byte
	if _, err := rand.Read(accountID[:]); err != nil {
		return accountID, "", nil, fmt.Errorf("generate account id: %w", err)
	}
	return accountID, fmt.Sprintf("%x", accountID[:]), append([]byte(nil), accountID[:]...), nil
}

// Manager implements create_or_get, list_account_hexes, list_by_user.
type Manager struct {
	repo          Repository
	keygen        KeyGenerator
	masterKey     []byte
	networkPrefix byte
}

// NewManager constructs a Manager. masterKey must be 32 bytes; it is the
// root key the seed envelope is derived from (infrastructure/crypto).
func NewManager(repo Repository, masterKey []byte, networkPrefix byte) *Manager {
	return &Manager{repo: repo, keygen: randKeyGenerator{}, masterKey: masterKey, networkPrefix: networkPrefix}
}

// WithKeyGenerator overrides the key generator, for deterministic tests.
func (m *Manager) WithKeyGenerator(g KeyGenerator) *Manager {
	m.keygen = g
	return m
}

// CreateOrGet returns the user's existing deposit address, or allocates,
// encrypts, and persists a new keypair if none exists yet.
func (m *Manager) CreateOrGet(ctx context.Context, userID domain.UserId) (address, publicKeyHex string, err error) {
	existing, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if existing != nil {
		return existing.Address, existing.PublicKeyHex, nil
	}

	accountID, publicKeyHex, seed, err := m.keygen.Generate()
	if err != nil {
		return "", "", errors.Fatal("deposit keypair generation", err)
	}

	address, err = ss58.Encode(m.networkPrefix, accountID)
	if err != nil {
		return "", "", errors.Fatal("ss58 address encoding", err)
	}

	encryptedSeed, err := crypto.EncryptEnvelope(m.masterKey, []byte(userID), seedEnvelopeInfo, seed)
	if err != nil {
		return "", "", errors.EncryptionFailed(err)
	}

	account := Account{
		UserID:        userID,
		Address:       address,
		AccountID:     accountID,
		PublicKeyHex:  publicKeyHex,
		EncryptedSeed: encryptedSeed,
		CreatedAt:     time.Now(),
	}
	if err := m.repo.Create(ctx, account); err != nil {
		// A concurrent creator may have won the race (address/user_id
		// unique constraints); re-read rather than surface a conflict.
		if svcErr := errors.GetServiceError(err); svcErr != nil && svcErr.Code == errors.ErrCodeAlreadyExists {
			existing, getErr := m.repo.GetByUser(ctx, userID)
			if getErr != nil {
				return "", "", getErr
			}
			if existing != nil {
				return existing.Address, existing.PublicKeyHex, nil
			}
		}
		return "", "", err
	}

	return address, publicKeyHex, nil
}

// ListAccountHexes returns the allow-set C6 filters on-chain transfers
// against: the set of deposit addresses every user currently owns.
func (m *Manager) ListAccountHexes(ctx context.Context) (map[string]bool, error) {
	return m.repo.ListAccountHexes(ctx)
}

// ListByUser returns a user's observed deposits joined with credit state,
// most recent first, paginated.
func (m *Manager) ListByUser(ctx context.Context, userID domain.UserId, limit, offset int) ([]ObservedDepositView, error) {
	return m.repo.ListByUser(ctx, userID, limit, offset)
}

// DecryptSeed recovers a user's plaintext seed. Only used server-side by
// components authorized to sign on the user's behalf; never exposed over
// any RPC surface.
func (m *Manager) DecryptSeed(ctx context.Context, account Account) ([]byte, error) {
	plaintext, err := crypto.DecryptEnvelope(m.masterKey, []byte(account.UserID), seedEnvelopeInfo, account.EncryptedSeed)
	if err != nil {
		return nil, errors.DecryptionFailed(err)
	}
	return plaintext, nil
}
